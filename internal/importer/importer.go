package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/pkg/distlock"
	"github.com/Maneox/List-IQ/internal/pkg/logger"
)

// Store is the persistence surface the import pipeline needs.
type Store interface {
	GetList(ctx context.Context, id int64) (*domain.List, error)
	GetListByToken(ctx context.Context, token string) (*domain.List, error)
	UpdateList(ctx context.Context, l *domain.List) error
	ReplaceData(ctx context.Context, listID int64, cols []domain.Column, rows []domain.Row) error
	ReadRows(ctx context.Context, l *domain.List) ([]domain.Row, error)
	RecordRun(ctx context.Context, listID int64, res domain.ImportResult) error
}

// ArtifactWriter regenerates a list's public files after a refresh.
type ArtifactWriter interface {
	WriteArtifacts(ctx context.Context, l *domain.List, rows []domain.Row) error
}

// Service runs the full refresh pipeline for a list. A given list never has
// two imports in flight at once; a second attempt is reported as skipped.
type Service struct {
	store      Store
	fetcher    *Fetcher
	tracker    *RunTracker
	artifacts  ArtifactWriter   // optional
	locks      distlock.Factory // optional, serializes imports across replicas
	serverName string           // public host used to detect self-referencing sources

	mu       sync.Mutex
	inFlight map[int64]bool
}

// NewService wires the import pipeline. artifacts may be nil.
func NewService(store Store, fetcher *Fetcher, tracker *RunTracker, artifacts ArtifactWriter, serverName string) *Service {
	return &Service{
		store:      store,
		fetcher:    fetcher,
		tracker:    tracker,
		artifacts:  artifacts,
		serverName: strings.TrimSpace(serverName),
		inFlight:   make(map[int64]bool),
	}
}

// WithLocks adds cross-replica import serialization. Without it only the
// in-process guard applies.
func (s *Service) WithLocks(locks distlock.Factory) *Service {
	s.locks = locks
	return s
}

// Import refreshes one list. force bypasses the minimum update interval but
// never the in-flight guard. The result is always recorded in run history;
// recording failures are logged, not returned.
func (s *Service) Import(ctx context.Context, listID int64, force bool) domain.ImportResult {
	started := time.Now()
	var logs []string
	logf := func(format string, args ...any) {
		logs = append(logs, fmt.Sprintf(format, args...))
	}

	finish := func(res domain.ImportResult) domain.ImportResult {
		res.StartedAt = started
		res.FinishedAt = time.Now()
		res.Logs = logs
		s.tracker.Finish(ctx, listID, res)
		if err := s.store.RecordRun(ctx, listID, res); err != nil {
			logger.Error("record run failed", "list_id", listID, "error", err.Error())
		}
		return res
	}

	s.mu.Lock()
	if s.inFlight[listID] {
		s.mu.Unlock()
		res := domain.Skipped("import already running")
		res.StartedAt = started
		res.FinishedAt = time.Now()
		return res
	}
	s.inFlight[listID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, listID)
		s.mu.Unlock()
	}()

	if s.locks != nil {
		lock := s.locks(fmt.Sprintf("import:%d", listID))
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Warn("import lock unavailable, proceeding with local guard only",
				"list_id", listID, "error", err.Error())
		} else if !acquired {
			res := domain.Skipped("import running on another replica")
			res.StartedAt = started
			res.FinishedAt = time.Now()
			return res
		} else {
			defer lock.Release(ctx)
		}
	}

	l, err := s.store.GetList(ctx, listID)
	if err != nil {
		return finish(domain.Failed(domain.ErrConfiguration, err))
	}

	cfg := l.UpdateConfig
	if cfg.Source == "" {
		return finish(domain.Failed(domain.ErrConfiguration,
			&domain.ConfigError{Field: "source", Reason: "list has no update source configured"}))
	}

	if !force && l.UpdateType == domain.UpdateAutomatic && l.LastUpdate != nil {
		elapsed := time.Since(*l.LastUpdate)
		minInterval := time.Duration(cfg.MinUpdateInterval) * time.Second
		if elapsed < minInterval {
			logf("last refresh %s ago, minimum interval %s", elapsed.Round(time.Second), minInterval)
			return finish(domain.Skipped(fmt.Sprintf("refreshed %s ago (minimum interval %s)",
				elapsed.Round(time.Second), minInterval)))
		}
	}

	s.tracker.Begin(ctx, listID)
	logger.Info("import started", "list_id", listID, "list", l.Name, "source", string(cfg.Source))

	records, fetchRes := s.fetchAndDecode(ctx, l, cfg, logf)
	if fetchRes != nil {
		logger.Warn("import failed", "list_id", listID, "kind", string(fetchRes.Kind), "error", fetchRes.Message)
		return finish(*fetchRes)
	}
	// The decoder may have corrected a wrongly declared format.
	cfg.Format = l.UpdateConfig.Format
	logf("decoded %d records", len(records))
	s.tracker.Progress(ctx, listID, "storing", len(records))

	cols, rows, warnings := Reconcile(l, cfg, records)
	for _, w := range warnings {
		logf("%s", w)
		logger.Warn("schema reconciliation", "list_id", listID, "warning", w)
	}
	if l.MaxResults > 0 && len(rows) > l.MaxResults {
		logf("capping %d rows to max_results %d", len(rows), l.MaxResults)
		rows = rows[:l.MaxResults]
	}

	if err := s.store.ReplaceData(ctx, listID, cols, rows); err != nil {
		return finish(domain.Failed(domain.ErrStorage, err))
	}
	logf("stored %d rows across %d columns", len(rows), len(cols))

	if s.artifacts != nil && l.AnyPublicEnabled() {
		s.tracker.Progress(ctx, listID, "publishing", len(rows))
		fresh, err := s.store.GetList(ctx, listID)
		if err == nil {
			if published, err := s.store.ReadRows(ctx, fresh); err == nil {
				if err := s.artifacts.WriteArtifacts(ctx, fresh, published); err != nil {
					// Artifacts regenerate on demand; a write failure does
					// not fail the import.
					logf("artifact generation failed: %v", err)
					logger.Warn("artifact generation failed", "list_id", listID, "error", err.Error())
				}
			}
		}
	}

	logger.Info("import finished", "list_id", listID, "rows", len(rows))
	return finish(domain.Succeeded(len(rows)))
}

// fetchAndDecode retrieves the payload (following pagination when enabled)
// and decodes it into records. On failure it returns a classified result.
func (s *Service) fetchAndDecode(ctx context.Context, l *domain.List, cfg domain.UpdateConfig, logf func(string, ...any)) ([]Record, *domain.ImportResult) {
	// Sources pointing at our own public JSON endpoint short-circuit to a
	// direct storage read instead of a loopback HTTP call.
	if token, ok := s.selfReferenceToken(cfg); ok {
		logf("source references own public endpoint, reading directly")
		records, err := s.readSelf(ctx, token)
		if err != nil {
			res := domain.Failed(domain.ClassifyError(err, domain.ErrConfiguration), err)
			return nil, &res
		}
		return records, nil
	}

	switch cfg.Source {
	case domain.SourceURL, domain.SourceCommand:
		if cfg.Format == domain.FormatJSON && l.JSONPaginationEnabled && l.JSONNextPagePath != "" {
			return s.fetchPaginated(ctx, l, cfg, logf)
		}
	}

	var payload []byte
	var err error
	if cfg.Source == domain.SourceScript {
		var printed []string
		payload, printed, err = s.fetcher.FetchScript(ctx, cfg)
		for _, line := range printed {
			logf("script: %s", line)
		}
	} else {
		payload, err = s.fetchOnce(ctx, cfg, cfg.URL, cfg.Command)
	}
	if err != nil {
		res := domain.Failed(domain.ClassifyError(err, fetchFallbackKind(cfg.Source, err)), err)
		return nil, &res
	}
	logf("fetched %d bytes", len(payload))

	records, err := s.decode(ctx, l, cfg, payload, logf)
	if err != nil {
		res := domain.Failed(domain.ClassifyError(err, domain.ErrFormat), err)
		return nil, &res
	}
	return records, nil
}

func (s *Service) fetchOnce(ctx context.Context, cfg domain.UpdateConfig, pageURL, pageCommand string) ([]byte, error) {
	switch cfg.Source {
	case domain.SourceURL:
		page := cfg
		page.URL = pageURL
		return s.fetcher.FetchURL(ctx, page)
	case domain.SourceCommand:
		page := cfg
		page.Command = pageCommand
		return s.fetcher.FetchCommand(ctx, page)
	default:
		return nil, &domain.ConfigError{Field: "source", Reason: fmt.Sprintf("unsupported source %q", cfg.Source)}
	}
}

// fetchPaginated follows next-page links through a JSON API. Each page's
// records accumulate; the next URL comes from the configured next-page
// path. For command sources the next URL is substituted into the command in
// place of the previous one.
func (s *Service) fetchPaginated(ctx context.Context, l *domain.List, cfg domain.UpdateConfig, logf func(string, ...any)) ([]Record, *domain.ImportResult) {
	maxPages := l.JSONMaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	pageURL := cfg.URL
	pageCommand := cfg.Command
	var all []Record

	for page := 1; page <= maxPages; page++ {
		payload, err := s.fetchOnce(ctx, cfg, pageURL, pageCommand)
		if err != nil {
			// Only a first-page error fails the run; a later page ends the
			// walk with the rows gathered so far.
			if page > 1 {
				logf("page %d failed, keeping %d records: %v", page, len(all), err)
				return all, nil
			}
			res := domain.Failed(domain.ClassifyError(err, fetchFallbackKind(cfg.Source, err)), err)
			return nil, &res
		}

		records, err := DecodeJSON(payload, effectiveDataPath(l, cfg))
		if err != nil {
			if page > 1 {
				logf("page %d failed to decode, keeping %d records: %v", page, len(all), err)
				return all, nil
			}
			res := domain.Failed(domain.ClassifyError(err, domain.ErrFormat), err)
			return nil, &res
		}
		all = append(all, records...)
		logf("page %d: %d records", page, len(records))

		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			break
		}
		nextVal, err := NavigateJSONPath(doc, l.JSONNextPagePath)
		if err != nil {
			// No next link on this page ends the walk.
			break
		}
		next, _ := nextVal.(string)
		if strings.TrimSpace(next) == "" {
			break
		}
		switch cfg.Source {
		case domain.SourceCommand:
			if !strings.Contains(pageCommand, pageURL) || pageURL == "" {
				logf("cannot substitute next page URL into command, stopping at page %d", page)
				return all, nil
			}
			pageCommand = strings.Replace(pageCommand, pageURL, next, 1)
			pageURL = next
		default:
			pageURL = next
		}
	}
	return all, nil
}

// decode dispatches on the declared format, detecting it when undeclared. A
// list declared CSV whose payload is actually valid JSON gets its format
// corrected and persisted.
func (s *Service) decode(ctx context.Context, l *domain.List, cfg domain.UpdateConfig, payload []byte, logf func(string, ...any)) ([]Record, error) {
	// An empty payload is a valid source state: zero rows, schema untouched.
	if strings.TrimSpace(string(payload)) == "" {
		logf("payload is empty, storing zero rows")
		return nil, nil
	}

	dataPath := effectiveDataPath(l, cfg)

	switch cfg.Format {
	case domain.FormatJSON:
		return DecodeJSON(payload, dataPath)
	case domain.FormatCSV:
		trimmed := strings.TrimSpace(string(payload))
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
			logf("payload is JSON despite csv format, correcting configuration")
			records, err := DecodeJSON([]byte(trimmed), dataPath)
			if err != nil {
				return nil, err
			}
			l.UpdateConfig.Format = domain.FormatJSON
			l.DataSourceFormat = domain.FormatJSON
			if err := s.store.UpdateList(ctx, l); err != nil {
				logger.Warn("format correction not persisted", "list_id", l.ID, "error", err.Error())
			}
			return records, nil
		}
		return DecodeCSV(payload, cfg.CSV)
	default:
		records, format, err := DetectAndDecode(payload, cfg)
		if err != nil {
			return nil, err
		}
		logf("detected format %s", format)
		return records, nil
	}
}

// selfReferenceToken reports whether the source targets this instance's own
// public JSON endpoint and returns the embedded token. Commands are scanned
// for any URL with the public host.
func (s *Service) selfReferenceToken(cfg domain.UpdateConfig) (string, bool) {
	if s.serverName == "" {
		return "", false
	}
	switch cfg.Source {
	case domain.SourceURL:
		return tokenFromSelfURL(cfg.URL, s.serverName)
	case domain.SourceCommand:
		for _, word := range strings.Fields(cfg.Command) {
			word = strings.Trim(word, `"'`)
			if token, ok := tokenFromSelfURL(word, s.serverName); ok {
				return token, true
			}
		}
	}
	return "", false
}

func tokenFromSelfURL(raw, serverName string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if !strings.EqualFold(u.Hostname(), serverName) {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Expected shape: public/json/<token>
	if len(parts) == 3 && parts[0] == "public" && parts[1] == "json" && parts[2] != "" {
		return parts[2], true
	}
	return "", false
}

// readSelf loads another list's rows straight from storage, bypassing HTTP.
func (s *Service) readSelf(ctx context.Context, token string) ([]Record, error) {
	src, err := s.store.GetListByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("self-referencing source: %w", err)
	}
	rows, err := s.store.ReadRows(ctx, src)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		names := make([]string, 0, len(src.Columns))
		values := make(map[string]string, len(row.Cells))
		for _, c := range src.Columns {
			if v, ok := row.Cells[c.Name]; ok {
				names = append(names, c.Name)
				values[c.Name] = v
			}
		}
		records = append(records, Record{Columns: names, Values: values})
	}
	return records, nil
}

func effectiveDataPath(l *domain.List, cfg domain.UpdateConfig) string {
	if l.JSONDataPath != "" {
		return l.JSONDataPath
	}
	return cfg.JSONDataPath
}

// fetchFallbackKind classifies fetch errors that carry no typed cause.
func fetchFallbackKind(source domain.SourceType, err error) domain.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls"):
		return domain.ErrTLS
	case strings.Contains(msg, "proxy"):
		return domain.ErrProxy
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return domain.ErrTimeout
	case source == domain.SourceScript:
		return domain.ErrScript
	default:
		return domain.ErrTransport
	}
}
