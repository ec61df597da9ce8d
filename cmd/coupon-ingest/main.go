// Command coupon-ingest loads bulk coupon codes from gzip files. A code is
// accepted when it appears in at least --min-files of the inputs.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	batchSize     = 1000
)

type options struct {
	databaseURL string
	pattern     string
	capacity    uint
	minFiles    int
	minLen      int
	maxLen      int

	discountType string
	value        string
	minItems     int
	maxUses      int
	validFor     time.Duration
	description  string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.pattern, "files", "data/couponbase*.gz", "glob of gzip code files")
	flag.UintVar(&opts.capacity, "capacity", 120_000_000, "expected codes per file")
	flag.IntVar(&opts.minFiles, "min-files", 2, "files a code must appear in")
	flag.IntVar(&opts.minLen, "min-len", 8, "shortest accepted code")
	flag.IntVar(&opts.maxLen, "max-len", 10, "longest accepted code")
	flag.StringVar(&opts.discountType, "discount-type", string(coupon.DiscountPercentage), "percentage, fixed or free_lowest")
	flag.StringVar(&opts.value, "value", "10", "discount value")
	flag.IntVar(&opts.minItems, "min-items", 0, "minimum cart quantity")
	flag.IntVar(&opts.maxUses, "max-uses", 1, "redemptions per code, 0 for unlimited")
	flag.DurationVar(&opts.validFor, "valid-for", 0, "validity window from now, 0 for no expiry")
	flag.StringVar(&opts.description, "description", "Promo code", "coupon description")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, opts options) error {
	rule, err := opts.rule(time.Now())
	if err != nil {
		return err
	}

	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "glob files")
	}
	if len(files) < opts.minFiles {
		return errors.Errorf("need at least %d files, matched %d", opts.minFiles, len(files))
	}
	if len(files) > bits.UintSize {
		return errors.Errorf("too many files: %d", len(files))
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildFilters(ctx, files, opts)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: collecting shared codes")
	codes, err := sharedCodes(ctx, files, filters, opts)
	if err != nil {
		return errors.Wrap(err, "collect codes")
	}
	slog.Info("accepted codes", slog.Int("count", len(codes)))
	if len(codes) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return write(ctx, postgres.NewCouponRepository(pool), rule, codes)
}

// rule is the template every ingested code gets.
func (o options) rule(now time.Time) (coupon.Rule, error) {
	value, err := decimal.NewFromString(o.value)
	if err != nil {
		return coupon.Rule{}, errors.Wrap(err, "parse value")
	}
	r := coupon.Rule{
		DiscountType: coupon.DiscountType(o.discountType),
		Value:        value,
		MinItems:     o.minItems,
		MaxUses:      o.maxUses,
		Description:  o.description,
	}
	switch r.DiscountType {
	case coupon.DiscountPercentage, coupon.DiscountFixed, coupon.DiscountFreeLowest:
	default:
		return coupon.Rule{}, errors.Errorf("unknown discount type %q", o.discountType)
	}
	if o.validFor > 0 {
		from, until := now, now.Add(o.validFor)
		r.ValidFrom, r.ValidUntil = &from, &until
	}
	return r, nil
}

func (o options) accept(code string) bool {
	return len(code) >= o.minLen && len(code) <= o.maxLen
}

func buildFilters(ctx context.Context, files []string, opts options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(opts.capacity, bloomFPR)
			var n uint64
			err := scan(ctx, path, func(code string) {
				if !opts.accept(code) {
					return
				}
				f.AddString(code)
				if n++; n%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", n))
				}
			})
			if err != nil {
				return err
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("codes", n))
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// sharedCodes re-reads every file and keeps codes whose file bitmask,
// merged across files, has at least opts.minFiles bits set. The bloom pass
// only prunes: a code is counted for a file solely when that file actually
// contains it.
func sharedCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, opts options) ([]string, error) {
	found := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			bit := uint(1) << uint(i)
			seen := make(map[string]uint)
			err := scan(ctx, path, func(code string) {
				if !opts.accept(code) {
					return
				}
				hits := 1
				for j, f := range filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= opts.minFiles {
					seen[code] |= bit
				}
			})
			if err != nil {
				return err
			}
			slog.Info("pass 2 complete", slog.String("file", path), slog.Int("candidates", len(seen)))
			found[i] = seen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, seen := range found {
		for code, mask := range seen {
			merged[code] |= mask
		}
	}
	var out []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= opts.minFiles {
			out = append(out, code)
		}
	}
	return out, nil
}

// scan calls fn for every line of a gzip file.
func scan(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "gzip %s", path)
	}
	defer func() { _ = gz.Close() }()

	s := bufio.NewScanner(gz)
	for s.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(s.Text())
	}
	if err := s.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func write(ctx context.Context, repo *postgres.CouponRepository, tmpl coupon.Rule, codes []string) error {
	batch := make([]coupon.Rule, 0, batchSize)
	flush := func(done int) error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.PutCoupons(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		slog.Info("write progress", slog.Int("written", done), slog.Int("total", len(codes)))
		return nil
	}

	for i, code := range codes {
		r := tmpl
		r.Code = code
		batch = append(batch, r)
		if len(batch) == batchSize {
			if err := flush(i + 1); err != nil {
				return err
			}
		}
	}
	return flush(len(codes))
}
