package app

import (
	"context"
	"log"
	"time"

	"tradebook/api/internal/attach"
	"tradebook/api/internal/auth"
	"tradebook/api/internal/authpw"
	"tradebook/api/internal/config"
	"tradebook/api/internal/poke"
	"tradebook/api/internal/rbac"
	"tradebook/api/internal/report"
	"tradebook/api/internal/search"
	"tradebook/api/internal/store"
	syncengine "tradebook/api/internal/sync"
	"tradebook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	SpaceID      string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User, spaceID string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	GetSpace(ctx context.Context, spaceID string) (store.Space, error)
	ListSpaceIDs(ctx context.Context) ([]string, error)
	ListStockTrades(ctx context.Context, spaceID string) ([]store.StockTrade, error)
	GetStockTrade(ctx context.Context, spaceID, id string) (store.StockTrade, error)
	ListOptionTrades(ctx context.Context, spaceID string) ([]store.OptionTrade, error)
	GetOptionTrade(ctx context.Context, spaceID, id string) (store.OptionTrade, error)
	ListNotes(ctx context.Context, spaceID string, limit int) ([]store.Note, error)
	GetNote(ctx context.Context, spaceID, id string) (store.Note, error)
	ListPlaybooks(ctx context.Context, spaceID string) ([]store.Playbook, error)
	SummaryStats(ctx context.Context, spaceID string) (store.SummaryStats, error)
	DailyStats(ctx context.Context, spaceID, from, to string) ([]store.DailyStat, error)
	PurgeSpace(ctx context.Context, spaceID string, cutoff time.Time) (int64, []string, error)
	PurgeIdleClients(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredTokens(ctx context.Context) error
}

// sessionStore holds refresh sessions. Backed by Redis when configured,
// otherwise by the Postgres store, which implements the same methods.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	engine   *syncengine.Engine
	broker   poke.Broker
	authpw   *authpw.Service
	search   *search.Service
	attach   *attach.Service
	report   *report.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, engine *syncengine.Engine, broker poke.Broker,
	authSvc *authpw.Service, searchSvc *search.Service, attachSvc *attach.Service, reportSvc *report.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		engine:   engine,
		broker:   broker,
		authpw:   authSvc,
		search:   searchSvc,
		attach:   attachSvc,
		report:   reportSvc,
	}
}

// NewWithSessionStore keeps refresh sessions in a separate store (Redis).
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, engine *syncengine.Engine, broker poke.Broker,
	authSvc *authpw.Service, searchSvc *search.Service, attachSvc *attach.Service, reportSvc *report.Service) *Service {
	svc := New(cfg, dataStore, engine, broker, authSvc, searchSvc, attachSvc, reportSvc)
	svc.sessions = sessions
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CreateSession issues fresh access and refresh tokens for a user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The Redis session store only records the user ID.
	if user.Email == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Role:  user.Role,
		Space: user.SpaceID,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		SpaceID:      user.SpaceID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		SpaceID:   claims.Space,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Push applies a batch of queued client mutations to the session's space, then
// pokes subscribers and refreshes the search index for whatever changed.
func (s *Service) Push(ctx context.Context, session Session, req syncengine.PushRequest) (syncengine.PushResult, error) {
	result, err := s.engine.Push(ctx, session.SpaceID, req)
	if err != nil {
		return result, err
	}
	if result.Applied {
		s.afterWrite(ctx, session.SpaceID, result)
	}
	return result, nil
}

// Pull computes the patch for the session's space.
func (s *Service) Pull(ctx context.Context, session Session, req syncengine.PullRequest) (syncengine.PullResponse, error) {
	return s.engine.Pull(ctx, session.SpaceID, req)
}

// SubscribePokes registers for poke notifications on the session's space.
func (s *Service) SubscribePokes(ctx context.Context, session Session) (<-chan struct{}, func(), error) {
	return s.broker.Subscribe(ctx, session.SpaceID)
}

// ApplyMutation runs a single named mutator server-side, on behalf of the REST
// write endpoints. It shares the mutators, versioning, and side effects of Push.
func (s *Service) ApplyMutation(ctx context.Context, session Session, name string, args any) (syncengine.PushResult, error) {
	result, err := s.engine.Apply(ctx, session.SpaceID, name, args)
	if err != nil {
		return result, err
	}
	s.afterWrite(ctx, session.SpaceID, result)
	return result, nil
}

// afterWrite fans out the side effects of a committed write: poke subscribed
// clients so they pull, and keep the search index in step.
func (s *Service) afterWrite(ctx context.Context, spaceID string, result syncengine.PushResult) {
	if s.broker != nil {
		if err := s.broker.Poke(ctx, spaceID); err != nil {
			log.Printf("app: poke space %s: %v", spaceID, err)
		}
	}
	if s.search == nil {
		return
	}
	for _, n := range result.ChangedNotes {
		s.search.IndexNote(search.NoteRecord{
			ID:      n.ID,
			SpaceID: spaceID,
			DateKey: n.DateKey,
			Title:   n.Title,
			Body:    search.FlattenBody(n.Body),
		})
	}
	for _, id := range result.DeletedNoteIDs {
		s.search.DeleteNote(id)
	}
	for _, t := range result.ChangedStockTrades {
		s.search.IndexStockTrade(search.StockTradeRecord{
			ID:      t.ID,
			SpaceID: spaceID,
			Symbol:  t.Symbol,
			Side:    t.Side,
			Setup:   t.Setup,
			Notes:   t.Notes,
			DateKey: t.EntryAt.Format("2006-01-02"),
		})
	}
	for _, id := range result.DeletedStockTradeIDs {
		s.search.DeleteStockTrade(id)
	}
	for _, t := range result.ChangedOptionTrades {
		s.search.IndexOptionTrade(search.OptionTradeRecord{
			ID:           t.ID,
			SpaceID:      spaceID,
			Symbol:       t.Symbol,
			ContractType: t.ContractType,
			Side:         t.Side,
			Setup:        t.Setup,
			Notes:        t.Notes,
			DateKey:      t.EntryAt.Format("2006-01-02"),
		})
	}
	for _, id := range result.DeletedOptionTradeIDs {
		s.search.DeleteOptionTrade(id)
	}
}

func (s *Service) ListStockTrades(ctx context.Context, session Session) ([]store.StockTrade, error) {
	return s.store.ListStockTrades(ctx, session.SpaceID)
}

func (s *Service) GetStockTrade(ctx context.Context, session Session, id string) (store.StockTrade, error) {
	return s.store.GetStockTrade(ctx, session.SpaceID, id)
}

func (s *Service) ListOptionTrades(ctx context.Context, session Session) ([]store.OptionTrade, error) {
	return s.store.ListOptionTrades(ctx, session.SpaceID)
}

func (s *Service) GetOptionTrade(ctx context.Context, session Session, id string) (store.OptionTrade, error) {
	return s.store.GetOptionTrade(ctx, session.SpaceID, id)
}

func (s *Service) ListNotes(ctx context.Context, session Session, limit int) ([]store.Note, error) {
	return s.store.ListNotes(ctx, session.SpaceID, limit)
}

func (s *Service) GetNote(ctx context.Context, session Session, id string) (store.Note, error) {
	return s.store.GetNote(ctx, session.SpaceID, id)
}

func (s *Service) ListPlaybooks(ctx context.Context, session Session) ([]store.Playbook, error) {
	return s.store.ListPlaybooks(ctx, session.SpaceID)
}

func (s *Service) SummaryStats(ctx context.Context, session Session) (store.SummaryStats, error) {
	return s.store.SummaryStats(ctx, session.SpaceID)
}

func (s *Service) DailyStats(ctx context.Context, session Session, from, to string) ([]store.DailyStat, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, domainError(422, "VALIDATION_ERROR", "from and to must be YYYY-MM-DD", nil)
		}
	}
	return s.store.DailyStats(ctx, session.SpaceID, from, to)
}

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:          text,
		FilterType:    search.ResultType(filterType),
		FilterSpaceID: session.SpaceID,
		Limit:         limit,
		Offset:        offset,
	}), nil
}

func (s *Service) NewAttachmentUpload(ctx context.Context, session Session, filename, contentType string) (attach.Upload, error) {
	if s.attach == nil {
		return attach.Upload{}, domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	return s.attach.NewUpload(ctx, session.SpaceID, filename, contentType)
}

func (s *Service) AttachmentURL(ctx context.Context, session Session, key string) (string, error) {
	if s.attach == nil {
		return "", domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	return s.attach.DownloadURL(ctx, session.SpaceID, key)
}

func (s *Service) MonthlyReport(ctx context.Context, session Session, month string, format report.Format) (*report.Result, error) {
	if s.report == nil {
		return nil, domainError(503, "REPORTS_UNAVAILABLE", "Report generation not configured", nil)
	}
	return s.report.Generate(ctx, report.Request{
		SpaceID:    session.SpaceID,
		Month:      month,
		Format:     format,
		TraderName: session.UserName,
	})
}

// StartCleanup runs the retention janitor until ctx is cancelled: physically
// purging soft-deleted rows past the retention window (advancing each space's
// purge floor), dropping idle sync clients, and expiring dead tokens.
func (s *Service) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCleanup(ctx)
			}
		}
	}()
}

func (s *Service) runCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.CleanupRetention)

	spaceIDs, err := s.store.ListSpaceIDs(ctx)
	if err != nil {
		log.Printf("cleanup: list spaces: %v", err)
		return
	}
	var purged int64
	for _, spaceID := range spaceIDs {
		n, attachmentKeys, err := s.store.PurgeSpace(ctx, spaceID, cutoff)
		if err != nil {
			log.Printf("cleanup: purge space %s: %v", spaceID, err)
			continue
		}
		purged += n
		if s.attach == nil {
			continue
		}
		// Purged trades take their attachment objects with them.
		for _, key := range attachmentKeys {
			if err := s.attach.Delete(ctx, spaceID, key); err != nil {
				log.Printf("cleanup: delete attachment %s: %v", key, err)
			}
		}
	}
	clients, err := s.store.PurgeIdleClients(ctx, cutoff)
	if err != nil {
		log.Printf("cleanup: purge idle clients: %v", err)
	}
	if err := s.store.PurgeExpiredTokens(ctx); err != nil {
		log.Printf("cleanup: purge expired tokens: %v", err)
	}
	if purged > 0 || clients > 0 {
		log.Printf("cleanup: purged %d rows, %d idle clients", purged, clients)
	}
}
