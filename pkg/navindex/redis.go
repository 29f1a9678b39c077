package navindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pierrec/lz4/v4"
	"github.com/redis/go-redis/v9"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// currentVersion is the index layout generation. A mismatch (or absent
// marker) on startup triggers a rebuild.
const currentVersion = "1"

// rebuildMaxRetries bounds the retries of each single upsert during rebuild.
const rebuildMaxRetries = 3

// RedisConfig configures the server-backed index.
type RedisConfig struct {
	Addr             string
	DB               int
	ThumbTTL         time.Duration
	RebuildBatchSize int64
}

// RedisIndex is the production Index on Redis sorted sets. One ranked set
// exists per (field, direction), plus per-library and per-type scoped sets,
// a summary hash per collection, and an lz4-compressed thumbnail blob with
// TTL. All read operations fall back to the catalog on server errors.
type RedisIndex struct {
	rdb         redis.UniversalClient
	collections *catalog.Collections
	fallback    *catalogFallback
	cfg         RedisConfig
	logger      *slog.Logger
}

// NewRedisIndex creates the index over an existing client.
func NewRedisIndex(rdb redis.UniversalClient, collections *catalog.Collections, cfg RedisConfig, logger *slog.Logger) *RedisIndex {
	if cfg.ThumbTTL <= 0 {
		cfg.ThumbTTL = DefaultThumbTTL
	}

	if cfg.RebuildBatchSize <= 0 {
		cfg.RebuildBatchSize = DefaultRebuildBatchSize
	}

	return &RedisIndex{
		rdb:         rdb,
		collections: collections,
		fallback:    newCatalogFallback(collections, cfg.RebuildBatchSize),
		cfg:         cfg,
		logger:      logger,
	}
}

// DialRedisIndex connects a client and wraps it in an index.
func DialRedisIndex(ctx context.Context, collections *catalog.Collections, cfg RedisConfig, logger *slog.Logger) (*RedisIndex, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping index server: %w", err)
	}

	return NewRedisIndex(rdb, collections, cfg, logger), nil
}

// Key layout.
func rankedKey(field string, dir Direction) string {
	return fmt.Sprintf("idx:%s:%s", field, dir)
}

func libraryKey(lib model.ID, field string, dir Direction) string {
	return fmt.Sprintf("idx:by_library:%s:%s:%s", lib.Hex(), field, dir)
}

func typeKey(t model.CollectionType, field string, dir Direction) string {
	return fmt.Sprintf("idx:by_type:%s:%s:%s", t, field, dir)
}

func dataKey(id model.ID) string  { return "data:" + id.Hex() }
func thumbKey(id model.ID) string { return "thumb:" + id.Hex() }

const versionKey = "meta:version"

// allSortFields iterates deterministically over the whitelist.
var allSortFields = []string{FieldUpdatedAt, FieldCreatedAt, FieldName, FieldImageCount, FieldTotalSize}

var bothDirections = []Direction{DirAsc, DirDesc}

// AddOrUpdate implements Index. A single pipeline upserts the summary hash
// and every ranked-set membership, so repeated application converges on the
// same state.
func (r *RedisIndex) AddOrUpdate(ctx context.Context, s Summary) error {
	pipe := r.rdb.TxPipeline()

	pipe.HSet(ctx, dataKey(s.ID), map[string]any{
		"libraryId":  s.LibraryID.Hex(),
		"type":       string(s.Type),
		"name":       s.Name,
		"imageCount": s.ImageCount,
		"totalSize":  s.TotalSize,
		"createdAt":  s.CreatedAt.UTC().UnixMilli(),
		"updatedAt":  s.UpdatedAt.UTC().UnixMilli(),
	})

	member := s.ID.Hex()

	for _, field := range allSortFields {
		score := scoreFor(field, s)

		for _, dir := range bothDirections {
			z := redis.Z{Score: score, Member: member}
			pipe.ZAdd(ctx, rankedKey(field, dir), z)
			pipe.ZAdd(ctx, libraryKey(s.LibraryID, field, dir), z)
			pipe.ZAdd(ctx, typeKey(s.Type, field, dir), z)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index upsert %s: %w", s.ID.Hex(), err)
	}

	return nil
}

// Remove implements Index.
func (r *RedisIndex) Remove(ctx context.Context, id model.ID) error {
	scope, err := r.rdb.HGetAll(ctx, dataKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("index scope lookup %s: %w", id.Hex(), err)
	}

	pipe := r.rdb.TxPipeline()
	member := id.Hex()

	for _, field := range allSortFields {
		for _, dir := range bothDirections {
			pipe.ZRem(ctx, rankedKey(field, dir), member)

			if lib, libErr := model.ParseID(scope["libraryId"]); libErr == nil {
				pipe.ZRem(ctx, libraryKey(lib, field, dir), member)
			}

			if t := scope["type"]; t != "" {
				pipe.ZRem(ctx, typeKey(model.CollectionType(t), field, dir), member)
			}
		}
	}

	pipe.Del(ctx, dataKey(id), thumbKey(id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index remove %s: %w", id.Hex(), err)
	}

	return nil
}

// Page implements Index.
func (r *RedisIndex) Page(ctx context.Context, field string, dir Direction, pageNum, pageSize int64) (Page, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Page{}, err
	}

	page, err := r.pageFromServer(ctx, field, dir, pageNum, pageSize)
	if err == nil {
		return page, nil
	}

	r.logger.WarnContext(ctx, "index unavailable, falling back to catalog",
		slog.String("op", "page"), slog.String("error", err.Error()))

	return r.fallback.page(ctx, field, dir, pageNum, pageSize)
}

func (r *RedisIndex) pageFromServer(ctx context.Context, field string, dir Direction, pageNum, pageSize int64) (Page, error) {
	key := rankedKey(field, dir)

	total, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Page{}, fmt.Errorf("index card: %w", err)
	}

	start := pageNum * pageSize
	stop := start + pageSize - 1

	members, err := r.rangeByRank(ctx, key, dir, start, stop)
	if err != nil {
		return Page{}, err
	}

	ids, err := parseMembers(members)
	if err != nil {
		return Page{}, err
	}

	return Page{IDs: ids, Total: total, PositionOfFirst: start}, nil
}

// rangeByRank reads [start, stop] in the direction's order. Ascending sets
// are read forward; descending sets are read in reverse rank order of the
// same scores.
func (r *RedisIndex) rangeByRank(ctx context.Context, key string, dir Direction, start, stop int64) ([]string, error) {
	var (
		members []string
		err     error
	)

	if dir == DirDesc {
		members, err = r.rdb.ZRevRange(ctx, key, start, stop).Result()
	} else {
		members, err = r.rdb.ZRange(ctx, key, start, stop).Result()
	}

	if err != nil {
		return nil, fmt.Errorf("index range: %w", err)
	}

	return members, nil
}

func parseMembers(members []string) ([]model.ID, error) {
	ids := make([]model.ID, 0, len(members))

	for _, m := range members {
		id, err := model.ParseID(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt index member %q: %w", m, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (r *RedisIndex) rank(ctx context.Context, id model.ID, field string, dir Direction) (int64, error) {
	key := rankedKey(field, dir)

	var (
		rank int64
		err  error
	)

	if dir == DirDesc {
		rank, err = r.rdb.ZRevRank(ctx, key, id.Hex()).Result()
	} else {
		rank, err = r.rdb.ZRank(ctx, key, id.Hex()).Result()
	}

	if errors.Is(err, redis.Nil) {
		return 0, ErrNotIndexed
	}

	if err != nil {
		return 0, fmt.Errorf("index rank: %w", err)
	}

	return rank, nil
}

// Navigation implements Index: one rank lookup plus two single-element range
// reads. Prev/next are nil at the boundaries.
func (r *RedisIndex) Navigation(ctx context.Context, id model.ID, field string, dir Direction) (Navigation, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Navigation{}, err
	}

	nav, err := r.navigationFromServer(ctx, id, field, dir)
	if err == nil || errors.Is(err, ErrNotIndexed) {
		return nav, err
	}

	r.logger.WarnContext(ctx, "index unavailable, falling back to catalog",
		slog.String("op", "navigation"), slog.String("error", err.Error()))

	return r.fallback.navigation(ctx, id, field, dir)
}

func (r *RedisIndex) navigationFromServer(ctx context.Context, id model.ID, field string, dir Direction) (Navigation, error) {
	pos, err := r.rank(ctx, id, field, dir)
	if err != nil {
		return Navigation{}, err
	}

	total, err := r.rdb.ZCard(ctx, rankedKey(field, dir)).Result()
	if err != nil {
		return Navigation{}, fmt.Errorf("index card: %w", err)
	}

	nav := Navigation{Position: pos, Total: total}

	if pos > 0 {
		members, rangeErr := r.rangeByRank(ctx, rankedKey(field, dir), dir, pos-1, pos-1)
		if rangeErr != nil {
			return Navigation{}, rangeErr
		}

		if len(members) == 1 {
			prev, parseErr := model.ParseID(members[0])
			if parseErr != nil {
				return Navigation{}, fmt.Errorf("corrupt index member: %w", parseErr)
			}

			nav.PrevID = &prev
		}
	}

	if pos < total-1 {
		members, rangeErr := r.rangeByRank(ctx, rankedKey(field, dir), dir, pos+1, pos+1)
		if rangeErr != nil {
			return Navigation{}, rangeErr
		}

		if len(members) == 1 {
			next, parseErr := model.ParseID(members[0])
			if parseErr != nil {
				return Navigation{}, fmt.Errorf("corrupt index member: %w", parseErr)
			}

			nav.NextID = &next
		}
	}

	return nav, nil
}

// Siblings implements Index.
func (r *RedisIndex) Siblings(ctx context.Context, id model.ID, field string, dir Direction, pageSize int64) (Siblings, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Siblings{}, err
	}

	sib, err := r.siblingsFromServer(ctx, id, field, dir, pageSize)
	if err == nil || errors.Is(err, ErrNotIndexed) {
		return sib, err
	}

	r.logger.WarnContext(ctx, "index unavailable, falling back to catalog",
		slog.String("op", "siblings"), slog.String("error", err.Error()))

	return r.fallback.siblings(ctx, id, field, dir, pageSize)
}

func (r *RedisIndex) siblingsFromServer(ctx context.Context, id model.ID, field string, dir Direction, pageSize int64) (Siblings, error) {
	pos, err := r.rank(ctx, id, field, dir)
	if err != nil {
		return Siblings{}, err
	}

	total, err := r.rdb.ZCard(ctx, rankedKey(field, dir)).Result()
	if err != nil {
		return Siblings{}, fmt.Errorf("index card: %w", err)
	}

	start, end := windowBounds(pos, total, pageSize)

	members, err := r.rangeByRank(ctx, rankedKey(field, dir), dir, start, end)
	if err != nil {
		return Siblings{}, err
	}

	ids, err := parseMembers(members)
	if err != nil {
		return Siblings{}, err
	}

	return Siblings{IDs: ids, Position: pos, Total: total}, nil
}

// compressThumb lz4-frames thumbnail bytes for storage.
func compressThumb(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress thumbnail: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress thumbnail: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressThumb(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("decompress thumbnail: %w", err)
	}

	return out, nil
}

// GetThumbnail implements Index.
func (r *RedisIndex) GetThumbnail(ctx context.Context, id model.ID) ([]byte, error) {
	raw, err := r.rdb.Get(ctx, thumbKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoThumbnail
	}

	if err != nil {
		return nil, fmt.Errorf("thumbnail get %s: %w", id.Hex(), err)
	}

	return decompressThumb(raw)
}

// SetThumbnail implements Index.
func (r *RedisIndex) SetThumbnail(ctx context.Context, id model.ID, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.cfg.ThumbTTL
	}

	compressed, err := compressThumb(data)
	if err != nil {
		return err
	}

	if err := r.rdb.Set(ctx, thumbKey(id), compressed, ttl).Err(); err != nil {
		return fmt.Errorf("thumbnail set %s: %w", id.Hex(), err)
	}

	return nil
}

// BatchCacheThumbnails implements Index.
func (r *RedisIndex) BatchCacheThumbnails(ctx context.Context, thumbs map[model.ID][]byte) error {
	pipe := r.rdb.TxPipeline()

	for id, data := range thumbs {
		compressed, err := compressThumb(data)
		if err != nil {
			return err
		}

		pipe.Set(ctx, thumbKey(id), compressed, r.cfg.ThumbTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("thumbnail batch: %w", err)
	}

	return nil
}

// IsValid implements Index.
func (r *RedisIndex) IsValid(ctx context.Context) bool {
	version, err := r.rdb.Get(ctx, versionKey).Result()
	if err != nil {
		return false
	}

	return version == currentVersion
}

// Rebuild implements Index. The catalog is streamed in fixed-size pages to
// bound peak memory; a generation reclaim runs between batches so resident
// memory stays flat across arbitrarily large catalogs. Transient server
// errors inside one batch retry with exponential backoff.
func (r *RedisIndex) Rebuild(ctx context.Context) error {
	var indexed int64

	for skip := int64(0); ; skip += r.cfg.RebuildBatchSize {
		cols, err := r.collections.ListActivePage(ctx,
			catalog.Sort{Field: "updatedAt", Dir: catalog.Asc}, skip, r.cfg.RebuildBatchSize)
		if err != nil {
			return fmt.Errorf("rebuild page at %d: %w", skip, err)
		}

		for i := range cols {
			s := SummaryOf(&cols[i])

			op := func() error {
				return r.AddOrUpdate(ctx, s)
			}

			policy := backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewExponentialBackOff(), rebuildMaxRetries), ctx)
			if err := backoff.Retry(op, policy); err != nil {
				return fmt.Errorf("rebuild upsert %s: %w", s.ID.Hex(), err)
			}

			indexed++
		}

		if int64(len(cols)) < r.cfg.RebuildBatchSize {
			break
		}

		runtime.GC()
	}

	if err := r.rdb.Set(ctx, versionKey, currentVersion, 0).Err(); err != nil {
		return fmt.Errorf("stamp index version: %w", err)
	}

	r.logger.InfoContext(ctx, "navigation index rebuilt", slog.Int64("collections", indexed))

	return nil
}
