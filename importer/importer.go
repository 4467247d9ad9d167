package importer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/logger"
	"github.com/warp/invoice-recon/names"
)

// DefaultChunkSize is how many rows are prepared between progress reports.
const DefaultChunkSize = 500

// Store is what ingestion writes to. Users are read to build manager candidates.
type Store interface {
	billing.Catalog
	billing.LineWriter
	billing.UserSource
}

// ProgressFunc is called after each prepared chunk and once more when the
// lines are stored. Returning an error before that stops the import with
// the previous lines of the source untouched.
type ProgressFunc func(ctx context.Context, processed, total int) error

// Summary describes one import.
type Summary struct {
	SourceFile string
	Rows       int
	Inserted   int
	Replaced   int // lines of the same source file removed by the import
	Resolved   int // lines linked to a user at ingestion
	Clients    int // distinct clients referenced
	Services   int // distinct services referenced
}

type Importer struct {
	store     Store
	matcher   names.Matcher
	ChunkSize int
	log       zerolog.Logger
}

func NewImporter(store Store, matcher names.Matcher) *Importer {
	return &Importer{
		store:     store,
		matcher:   matcher,
		ChunkSize: DefaultChunkSize,
		log:       logger.WithComponent("importer"),
	}
}

// Import replaces every line previously ingested from sourceFile with rows.
// Rows are validated before anything is written and the swap of old for new
// lines is atomic.
func (im *Importer) Import(ctx context.Context, sourceFile string, rows []Row, onProgress ProgressFunc) (Summary, error) {
	sum := Summary{SourceFile: sourceFile, Rows: len(rows)}
	if sourceFile == "" {
		return sum, fmt.Errorf("import: source file name is required")
	}
	for _, r := range rows {
		if r.Total.IsNegative() {
			return sum, &billing.RowError{Row: r.Line, Err: billing.ErrNegativeTotal}
		}
	}

	users, err := im.store.ListUsers(ctx)
	if err != nil {
		return sum, fmt.Errorf("list users: %w", err)
	}
	b := &lineBuilder{
		im:         im,
		sourceFile: sourceFile,
		candidates: names.ExpandCandidates(users),
		clients:    make(map[string]billing.ClientID),
		services:   make(map[string]billing.ServiceID),
		managers:   make(map[string]names.Match),
	}

	chunk := im.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	lines := make([]billing.InvoiceLine, 0, len(rows))
	for start := 0; start < len(rows); start += chunk {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		end := min(start+chunk, len(rows))
		for _, r := range rows[start:end] {
			line, err := b.build(ctx, r, &sum)
			if err != nil {
				return sum, err
			}
			lines = append(lines, line)
		}
		if end < len(rows) && onProgress != nil {
			if err := onProgress(ctx, end, len(rows)); err != nil {
				return sum, err
			}
		}
	}
	sum.Clients = len(b.clients)
	sum.Services = len(b.services)

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	replaced, ids, err := im.store.ReplaceSource(ctx, sourceFile, lines)
	if err != nil {
		return sum, fmt.Errorf("store %s: %w", sourceFile, err)
	}
	sum.Replaced, sum.Inserted = replaced, len(ids)

	if onProgress != nil {
		if err := onProgress(ctx, sum.Inserted, len(rows)); err != nil {
			return sum, err
		}
	}

	im.log.Info().
		Str("source", sourceFile).
		Int("rows", sum.Rows).
		Int("replaced", sum.Replaced).
		Int("resolved", sum.Resolved).
		Msg("import finished")
	return sum, nil
}

// lineBuilder upserts clients/services and resolves managers. Lookups are
// cached per normalized name for the duration of one import.
type lineBuilder struct {
	im         *Importer
	sourceFile string
	candidates []names.Candidate
	clients    map[string]billing.ClientID
	services   map[string]billing.ServiceID
	managers   map[string]names.Match
}

func (b *lineBuilder) build(ctx context.Context, r Row, sum *Summary) (billing.InvoiceLine, error) {
	clientKey := names.Normalize(r.Client)
	if clientKey == "" {
		return billing.InvoiceLine{}, &billing.RowError{Row: r.Line, Err: fmt.Errorf("client %q has no usable characters", r.Client)}
	}
	clientID, ok := b.clients[clientKey]
	if !ok {
		id, err := b.im.store.UpsertClient(ctx, r.Client, clientKey)
		if err != nil {
			return billing.InvoiceLine{}, fmt.Errorf("upsert client %q: %w", r.Client, err)
		}
		b.clients[clientKey], clientID = id, id
	}

	serviceKey := names.Normalize(r.Service)
	if serviceKey == "" {
		return billing.InvoiceLine{}, &billing.RowError{Row: r.Line, Err: fmt.Errorf("service %q has no usable characters", r.Service)}
	}
	serviceID, ok := b.services[serviceKey]
	if !ok {
		id, err := b.im.store.UpsertService(ctx, r.Service, serviceKey)
		if err != nil {
			return billing.InvoiceLine{}, fmt.Errorf("upsert service %q: %w", r.Service, err)
		}
		b.services[serviceKey], serviceID = id, id
	}

	line := billing.InvoiceLine{
		Date:       r.Date,
		Year:       r.Date.Year(),
		Month:      r.Date.Month(),
		Units:      r.Units,
		Price:      r.Price,
		Total:      r.Total,
		Manager:    r.Manager,
		SourceFile: b.sourceFile,
		Series:     r.Series,
		Albaran:    r.Albaran,
		Numero:     r.Numero,
		ClientID:   clientID,
		ServiceID:  serviceID,
	}

	if key := names.Normalize(r.Manager); key != "" {
		m, seen := b.managers[key]
		if !seen {
			m = b.im.matcher.Match(key, b.candidates)
			b.managers[key] = m
		}
		normalized := key
		line.ManagerNormalized = &normalized
		if m.UserID != nil {
			uid := *m.UserID
			line.ManagerUserID = &uid
			sum.Resolved++
		}
	}
	return line, nil
}
