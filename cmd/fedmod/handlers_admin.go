package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bluesky-social/fedmod/moderation"
	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/labstack/echo/v4"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

type DomainBlockView struct {
	Domain         string            `json:"domain"`
	Severity       models.Severity   `json:"severity"`
	RejectMedia    bool              `json:"reject_media"`
	RejectReports  bool              `json:"reject_reports"`
	Obfuscate      bool              `json:"obfuscate"`
	PrivateComment string            `json:"private_comment,omitempty"`
	PublicComment  string            `json:"public_comment,omitempty"`
	State          models.BlockState `json:"state"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func domainBlockView(b *models.DomainBlock) DomainBlockView {
	return DomainBlockView{
		Domain:         b.Domain,
		Severity:       b.Severity,
		RejectMedia:    b.RejectMedia,
		RejectReports:  b.RejectReports,
		Obfuscate:      b.Obfuscate,
		PrivateComment: b.PrivateComment,
		PublicComment:  b.PublicComment,
		State:          b.State,
		Version:        b.Version,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

type AccountView struct {
	ID                uint64    `json:"id"`
	Username          string    `json:"username"`
	Domain            string    `json:"domain,omitempty"`
	Silenced          bool      `json:"silenced"`
	Suspended         bool      `json:"suspended"`
	SilencedByDomain  bool      `json:"silenced_by_domain"`
	SuspendedByDomain bool      `json:"suspended_by_domain"`
	SilencedManually  bool      `json:"silenced_manually"`
	SuspendedManually bool      `json:"suspended_manually"`
	CreatedAt         time.Time `json:"created_at"`
}

func accountView(a *models.Account) AccountView {
	return AccountView{
		ID:                a.ID,
		Username:          a.Username,
		Domain:            a.DomainName(),
		Silenced:          a.Silenced,
		Suspended:         a.Suspended,
		SilencedByDomain:  a.SilencedByDomain,
		SuspendedByDomain: a.SuspendedByDomain,
		SilencedManually:  a.SilencedManually,
		SuspendedManually: a.SuspendedManually,
		CreatedAt:         a.CreatedAt,
	}
}

type FanoutJobView struct {
	ID           uint64          `json:"id"`
	Domain       string          `json:"domain"`
	BlockVersion int64           `json:"block_version"`
	Instructions string          `json:"instructions"`
	State        models.JobState `json:"state"`
	Cursor       uint64          `json:"cursor"`
	Affected     int64           `json:"affected"`
	RetryCount   int             `json:"retry_count"`
	RetryAfter   *time.Time      `json:"retry_after,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func fanoutJobView(j *models.FanoutJob) FanoutJobView {
	return FanoutJobView{
		ID:           j.ID,
		Domain:       j.Domain,
		BlockVersion: j.BlockVersion,
		Instructions: j.Instructions,
		State:        j.State,
		Cursor:       j.Cursor,
		Affected:     j.Affected,
		RetryCount:   j.RetryCount,
		RetryAfter:   j.RetryAfter,
		LastError:    j.LastError,
		Actor:        j.Actor,
		RequestID:    j.RequestID,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type AuditEntryView struct {
	ID        uint64    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// parsePaging reads the "cursor" and "limit" query parameters
func parsePaging(c echo.Context) (uint64, int, error) {
	var cursor uint64
	limit := defaultPageLimit
	var err error
	if s := c.QueryParam("cursor"); s != "" {
		cursor, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid cursor: %s", s))
		}
	}
	if s := c.QueryParam("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPageLimit))
		}
	}
	return cursor, limit, nil
}

func parseIDParam(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// bindAndValidate decodes a JSON body into req and checks its struct tags
func (s *Service) bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid body: %s", err))
	}
	return s.validate.Struct(req)
}

type ListDomainBlocksResponse struct {
	DomainBlocks []DomainBlockView `json:"domain_blocks"`
	Cursor       uint64            `json:"cursor,omitempty"`
}

func (s *Service) handleListDomainBlocks(c echo.Context) error {
	ctx := c.Request().Context()
	cursor, limit, err := parsePaging(c)
	if err != nil {
		return err
	}

	blocks, err := s.engine.ListDomainBlocks(ctx, cursor, limit)
	if err != nil {
		return err
	}

	resp := ListDomainBlocksResponse{DomainBlocks: make([]DomainBlockView, 0, len(blocks))}
	for _, b := range blocks {
		resp.DomainBlocks = append(resp.DomainBlocks, domainBlockView(b))
	}
	if len(blocks) == limit {
		resp.Cursor = blocks[len(blocks)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}

type CreateDomainBlockRequest struct {
	Domain         string `json:"domain" validate:"required,max=253"`
	Severity       string `json:"severity" validate:"required"`
	RejectMedia    bool   `json:"reject_media"`
	RejectReports  bool   `json:"reject_reports"`
	Obfuscate      bool   `json:"obfuscate"`
	PrivateComment string `json:"private_comment" validate:"max=2000"`
	PublicComment  string `json:"public_comment" validate:"max=2000"`
}

func (s *Service) handleCreateDomainBlock(c echo.Context) error {
	ctx := c.Request().Context()

	var body CreateDomainBlockRequest
	if err := s.bindAndValidate(c, &body); err != nil {
		return err
	}

	block, err := s.engine.CreateDomainBlock(ctx, actorFromContext(c), moderation.DomainBlockParams{
		Domain:         body.Domain,
		Severity:       body.Severity,
		RejectMedia:    body.RejectMedia,
		RejectReports:  body.RejectReports,
		Obfuscate:      body.Obfuscate,
		PrivateComment: body.PrivateComment,
		PublicComment:  body.PublicComment,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, domainBlockView(block))
}

func (s *Service) handleGetDomainBlock(c echo.Context) error {
	block, err := s.engine.GetDomainBlock(c.Request().Context(), c.Param("domain"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domainBlockView(block))
}

type UpdateDomainBlockRequest struct {
	Severity       *string `json:"severity" validate:"omitempty,min=1"`
	RejectMedia    *bool   `json:"reject_media"`
	RejectReports  *bool   `json:"reject_reports"`
	Obfuscate      *bool   `json:"obfuscate"`
	PrivateComment *string `json:"private_comment" validate:"omitempty,max=2000"`
	PublicComment  *string `json:"public_comment" validate:"omitempty,max=2000"`
}

type UpdateDomainBlockResponse struct {
	OldSeverity models.Severity `json:"old_severity"`
	NewSeverity models.Severity `json:"new_severity"`
	DomainBlock DomainBlockView `json:"domain_block"`
}

func (s *Service) handleUpdateDomainBlock(c echo.Context) error {
	ctx := c.Request().Context()
	domain := c.Param("domain")

	var body UpdateDomainBlockRequest
	if err := s.bindAndValidate(c, &body); err != nil {
		return err
	}

	oldSev, newSev, err := s.engine.UpdateDomainBlock(ctx, actorFromContext(c), domain, moderation.DomainBlockUpdate{
		Severity:       body.Severity,
		RejectMedia:    body.RejectMedia,
		RejectReports:  body.RejectReports,
		Obfuscate:      body.Obfuscate,
		PrivateComment: body.PrivateComment,
		PublicComment:  body.PublicComment,
	})
	if err != nil {
		return err
	}

	block, err := s.engine.GetDomainBlock(ctx, domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, UpdateDomainBlockResponse{
		OldSeverity: oldSev,
		NewSeverity: newSev,
		DomainBlock: domainBlockView(block),
	})
}

func (s *Service) handleDeleteDomainBlock(c echo.Context) error {
	block, err := s.engine.DeleteDomainBlock(c.Request().Context(), actorFromContext(c), c.Param("domain"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domainBlockView(block))
}

type RuleResponse struct {
	Hostname      string           `json:"hostname"`
	Severity      models.Severity  `json:"severity"`
	RejectMedia   bool             `json:"reject_media"`
	RejectReports bool             `json:"reject_reports"`
	DomainBlock   *DomainBlockView `json:"domain_block,omitempty"`
}

// effective rule for a hostname, including blocks inherited from parent domains
func (s *Service) handleGetRule(c echo.Context) error {
	ctx := c.Request().Context()
	hostname := c.Param("hostname")

	block, err := s.engine.RuleFor(ctx, hostname)
	if err != nil {
		return err
	}
	resp := RuleResponse{Hostname: hostname, Severity: models.SeverityNone}
	if block != nil {
		v := domainBlockView(block)
		resp.DomainBlock = &v
		resp.Severity = block.Severity
		resp.RejectMedia = block.RejectMedia || block.Severity == models.SeveritySuspend
		resp.RejectReports = block.RejectReports || block.Severity == models.SeveritySuspend
	}
	return c.JSON(http.StatusOK, resp)
}

type PublicDomainBlock struct {
	Domain   string          `json:"domain"`
	Digest   string          `json:"digest"`
	Severity models.Severity `json:"severity"`
	Comment  string          `json:"comment,omitempty"`
}

// public (unauthenticated) list of active blocks, with obfuscated domains masked and no private comments
func (s *Service) handlePublicDomainBlocks(c echo.Context) error {
	ctx := c.Request().Context()

	out := []PublicDomainBlock{}
	var cursor uint64
	for {
		blocks, err := s.engine.ListDomainBlocks(ctx, cursor, maxPageLimit)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if !b.IsActive() || b.Severity == models.SeverityNone {
				continue
			}
			digest := sha256.Sum256([]byte(b.Domain))
			out = append(out, PublicDomainBlock{
				Domain:   moderation.PublicDomain(b),
				Digest:   hex.EncodeToString(digest[:]),
				Severity: b.Severity,
				Comment:  b.PublicComment,
			})
		}
		if len(blocks) < maxPageLimit {
			break
		}
		cursor = blocks[len(blocks)-1].ID
	}
	return c.JSON(http.StatusOK, out)
}

type ListAccountsResponse struct {
	Accounts []AccountView `json:"accounts"`
	Cursor   uint64        `json:"cursor,omitempty"`
}

func (s *Service) handleListAccounts(c echo.Context) error {
	ctx := c.Request().Context()
	cursor, limit, err := parsePaging(c)
	if err != nil {
		return err
	}

	accounts, err := s.engine.ListAccounts(ctx, c.QueryParam("domain"), cursor, limit)
	if err != nil {
		return err
	}
	resp := ListAccountsResponse{Accounts: make([]AccountView, 0, len(accounts))}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, accountView(a))
	}
	if len(accounts) == limit {
		resp.Cursor = accounts[len(accounts)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}

type UpsertAccountRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Domain   string `json:"domain" validate:"max=253"`
}

func (s *Service) handleUpsertAccount(c echo.Context) error {
	var body UpsertAccountRequest
	if err := s.bindAndValidate(c, &body); err != nil {
		return err
	}
	acc, err := s.engine.UpsertAccount(c.Request().Context(), body.Username, body.Domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accountView(acc))
}

func (s *Service) handleGetAccount(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return err
	}
	acc, err := s.engine.GetAccount(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accountView(acc))
}

type accountActionFunc func(ctx context.Context, actor string, id uint64) (*models.Account, error)

func (s *Service) handleAccountAction(action accountActionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseIDParam(c)
		if err != nil {
			return err
		}
		acc, err := action(c.Request().Context(), actorFromContext(c), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, accountView(acc))
	}
}

type ListJobsResponse struct {
	Jobs   []FanoutJobView `json:"jobs"`
	Cursor uint64          `json:"cursor,omitempty"`
}

func (s *Service) handleListJobs(c echo.Context) error {
	ctx := c.Request().Context()
	cursor, limit, err := parsePaging(c)
	if err != nil {
		return err
	}

	state := models.JobState(c.QueryParam("state"))
	switch state {
	case "", models.JobStateEnqueued, models.JobStateInProgress, models.JobStateComplete, models.JobStateFailed, models.JobStateDead:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown job state: %s", state))
	}

	jobs, err := s.engine.Jobs.List(ctx, state, cursor, limit)
	if err != nil {
		return err
	}
	resp := ListJobsResponse{Jobs: make([]FanoutJobView, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, fanoutJobView(j))
	}
	if len(jobs) == limit {
		resp.Cursor = jobs[len(jobs)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Service) handleGetJob(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return err
	}
	job, err := s.engine.Jobs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fanoutJobView(job))
}

func (s *Service) handleReplayJob(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseIDParam(c)
	if err != nil {
		return err
	}
	job, err := s.engine.Jobs.Replay(ctx, id)
	if err != nil {
		return err
	}
	s.engine.Audit.Record(ctx, "fanout.replay", job.Domain, actorFromContext(c), fmt.Sprintf(`{"job_id":%d}`, job.ID))
	return c.JSON(http.StatusOK, fanoutJobView(job))
}

type SkippedAccountView struct {
	ID           uint64    `json:"id"`
	JobID        uint64    `json:"job_id"`
	AccountID    uint64    `json:"account_id"`
	Domain       string    `json:"domain"`
	Instructions string    `json:"instructions"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ListSkippedResponse struct {
	Skipped []SkippedAccountView `json:"skipped"`
	Cursor  uint64               `json:"cursor,omitempty"`
}

// accounts which fan-out gave up on; POST /admin/accounts/:id/reconcile once they are fixed
func (s *Service) handleListSkipped(c echo.Context) error {
	ctx := c.Request().Context()
	cursor, limit, err := parsePaging(c)
	if err != nil {
		return err
	}

	domain := c.QueryParam("domain")
	if domain != "" {
		domain, err = moderation.NormalizeDomain(domain)
		if err != nil {
			return err
		}
	}

	rows, err := s.engine.Jobs.ListSkipped(ctx, domain, cursor, limit)
	if err != nil {
		return err
	}
	resp := ListSkippedResponse{Skipped: make([]SkippedAccountView, 0, len(rows))}
	for _, r := range rows {
		resp.Skipped = append(resp.Skipped, SkippedAccountView{
			ID:           r.ID,
			JobID:        r.JobID,
			AccountID:    r.AccountID,
			Domain:       r.Domain,
			Instructions: r.Instructions,
			Error:        r.Error,
			CreatedAt:    r.CreatedAt,
		})
	}
	if len(rows) == limit {
		resp.Cursor = rows[len(rows)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Service) handleListSettings(c echo.Context) error {
	vals, err := s.engine.Settings.All(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"settings": vals,
	})
}

type SetSettingRequest struct {
	Value string `json:"value" validate:"required"`

	// version of the stored value being replaced; 0 when there is no stored value yet
	Version int64 `json:"version" validate:"gte=0"`
}

func (s *Service) handleSetSetting(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	var body SetSettingRequest
	if err := s.bindAndValidate(c, &body); err != nil {
		return err
	}

	val, err := s.engine.Settings.Set(ctx, key, body.Value, body.Version)
	if err != nil {
		return err
	}
	s.engine.Audit.Record(ctx, "setting.update", key, actorFromContext(c), fmt.Sprintf(`{"value":%q,"version":%d}`, val.Value, val.Version))
	return c.JSON(http.StatusOK, val)
}

type ListAuditResponse struct {
	Entries []AuditEntryView `json:"entries"`
	Cursor  uint64           `json:"cursor,omitempty"`
}

func (s *Service) handleListAudit(c echo.Context) error {
	ctx := c.Request().Context()
	cursor, limit, err := parsePaging(c)
	if err != nil {
		return err
	}

	var entries []*models.AuditEntry
	if target := c.QueryParam("target"); target != "" {
		entries, err = s.engine.Audit.ListForTarget(ctx, target, cursor, limit)
	} else {
		entries, err = s.engine.Audit.List(ctx, cursor, limit)
	}
	if err != nil {
		return err
	}

	resp := ListAuditResponse{Entries: make([]AuditEntryView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryView{
			ID:        e.ID,
			CreatedAt: e.CreatedAt,
			RequestID: e.RequestID,
			Action:    e.Action,
			Target:    e.Target,
			Actor:     e.Actor,
			Detail:    e.Detail,
		})
	}
	if len(entries) == limit {
		resp.Cursor = entries[len(entries)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}
