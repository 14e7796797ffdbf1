package grants

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clarvoy/api/internal/store"
)

// DefaultQueries are the searches each scan runs.
var DefaultQueries = []string{
	"disability services Pennsylvania",
	"HCBS community living waiver",
	"mental health vocational rehabilitation",
	"social enterprise disability employment",
	"supported employment autism developmental",
}

type alertStore interface {
	GetGrantOpportunityByExternalID(ctx context.Context, externalID string) (store.GrantOpportunity, error)
	UpsertGrantOpportunity(ctx context.Context, item store.GrantOpportunity) (store.GrantOpportunity, error)
	CreateGrantAlert(ctx context.Context, alert store.GrantAlert) (store.GrantAlert, error)
}

type ScanResult struct {
	Scanned   int   `json:"scanned"`
	NewAlerts int   `json:"newAlerts"`
	Duration  int64 `json:"duration"`
}

// Scanner periodically searches for opportunities and stores alerts for
// the ones scoring at or above RelevanceThreshold.
type Scanner struct {
	client  Client
	store   alertStore
	profile Profile
	queries []string
	logger  *zap.Logger
	onScan  func(ScanResult)

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

type ScannerOption func(*Scanner)

func WithProfile(p Profile) ScannerOption {
	return func(s *Scanner) { s.profile = p }
}

func WithQueries(queries []string) ScannerOption {
	return func(s *Scanner) { s.queries = queries }
}

// WithScanHook registers a callback invoked after every completed scan.
func WithScanHook(fn func(ScanResult)) ScannerOption {
	return func(s *Scanner) { s.onScan = fn }
}

func NewScanner(client Client, st alertStore, logger *zap.Logger, opts ...ScannerOption) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		client:  client,
		store:   st,
		profile: DefaultProfile,
		queries: DefaultQueries,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanOnce runs every query. A failing query is logged and skipped.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanResult, error) {
	started := time.Now()
	var result ScanResult
	var failures int

	for _, query := range s.queries {
		found, err := s.client.Discover(ctx, DiscoverInput{Query: query, MaxResults: 25, Page: 1, GrantsPerPage: 25})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			failures++
			s.logger.Warn("grant scan query failed", zap.String("query", query), zap.Error(err))
			continue
		}

		for _, opp := range found.Opportunities {
			result.Scanned++
			created, err := s.consider(ctx, opp)
			if err != nil {
				s.logger.Warn("grant alert not stored", zap.String("title", opp.Title), zap.Error(err))
				continue
			}
			if created {
				result.NewAlerts++
			}
		}
	}

	result.Duration = time.Since(started).Milliseconds()
	s.logger.Info("grant scan complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("new_alerts", result.NewAlerts),
		zap.Int64("duration_ms", result.Duration),
	)
	if s.onScan != nil {
		s.onScan(result)
	}
	if failures == len(s.queries) && len(s.queries) > 0 {
		return result, errors.New("grant scan: every query failed")
	}
	return result, nil
}

func (s *Scanner) consider(ctx context.Context, opp Opportunity) (bool, error) {
	if opp.ExternalID != nil && *opp.ExternalID != "" {
		_, err := s.store.GetGrantOpportunityByExternalID(ctx, *opp.ExternalID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	rel := s.profile.Score(opp)
	if rel.Score < RelevanceThreshold {
		return false, nil
	}

	score := rel.Score
	saved, err := s.store.UpsertGrantOpportunity(ctx, store.GrantOpportunity{
		ExternalID:      opp.ExternalID,
		Title:           opp.Title,
		Agency:          opp.Agency,
		FundingCategory: opp.FundingCategory,
		AwardFloor:      opp.AwardFloor,
		AwardCeiling:    opp.AwardCeiling,
		OpenDate:        opp.OpenDate,
		CloseDate:       opp.CloseDate,
		Description:     opp.Description,
		RawData:         opp.RawData,
		RelevanceScore:  &score,
	})
	if err != nil {
		return false, err
	}

	_, err = s.store.CreateGrantAlert(ctx, store.GrantAlert{
		GrantOpportunityID: saved.ID,
		RelevanceScore:     rel.Score,
		RelevanceReason:    strings.Join(rel.Reasons, "; "),
		MatchedKeywords:    rel.MatchedKeywords,
		Status:             "new",
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Start runs a scan after initialDelay and then every interval until ctx
// is cancelled or Stop is called. Calling Start twice is a no-op.
func (s *Scanner) Start(ctx context.Context, initialDelay, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("grant scanner already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stop = cancel
	s.done = make(chan struct{})

	s.logger.Info("starting grant scanner", zap.Duration("interval", interval))
	go s.loop(ctx, initialDelay, interval, s.done)
}

func (s *Scanner) loop(ctx context.Context, initialDelay, interval time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		s.runLogged(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scanner) runLogged(ctx context.Context) {
	if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled grant scan failed", zap.Error(err))
	}
}

// Stop cancels the loop and waits for an in-flight scan to return.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stop()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Info("grant scanner stopped")
}
