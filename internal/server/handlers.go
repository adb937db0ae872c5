package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/config"
	"github.com/cronpostps/cronpost/internal/schedule"
	"github.com/cronpostps/cronpost/internal/storage"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

const maxPreviewCount = 10

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req accountRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	loc, err := time.LoadLocation(strings.TrimSpace(req.Timezone))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	}
	rule, err := req.Rule.toRule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	grace := s.mgr.Get().Policy.Grace()
	if strings.TrimSpace(req.Grace) != "" {
		if grace, err = config.ParseDurationField("grace", req.Grace); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var pinHash string
	if req.Pin != "" {
		if pinHash, err = account.HashPin(req.Pin); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Settings only: lifecycle status and derived timestamps are owned
	// by the state machine and stay as they are on update.
	apply := func(acct *account.Account) {
		acct.Location = loc
		acct.Rule = rule
		acct.Grace = grace
		acct.RequirePinForActions = req.RequirePinForActions
		acct.CheckinOnSignIn = req.CheckinOnSignIn
		if pinHash != "" {
			acct.PinHash = pinHash
		}
	}

	// Updates run inside the per-user transaction so a concurrent
	// lifecycle transition is never overwritten with a stale snapshot.
	var view accountView
	created := false
	err = s.store.WithAccount(r.Context(), userID, func(tx *storage.AccountTx) error {
		apply(tx.Account())
		view = viewOf(tx.Account())
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		created = true
		acct := &account.Account{
			UserID: userID,
			State:  account.State{Status: account.StatusNotScheduled},
		}
		apply(acct)
		if err := s.store.PutAccount(r.Context(), acct); err != nil {
			writeDomainError(w, err)
			return
		}
		view = viewOf(acct)
	case err != nil:
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.log.Info("account saved", logx.String("user", userID), logx.Bool("created", created))
	writeJSON(w, status, view)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	hasInitial, err := s.store.HasInitialMessage(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var view accountView
	err = s.store.WithAccount(r.Context(), userID, func(tx *storage.AccountTx) error {
		if err := s.worker.Machine().EnableSchedule(tx.Account(), hasInitial); err != nil {
			return err
		}
		view = viewOf(tx.Account())
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("schedule enabled", logx.String("user", userID))
	writeJSON(w, http.StatusOK, view)
}

type pinRequest struct {
	Pin string `json:"pin,omitempty"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	s.handlePinGated(w, r, "check-in",
		func(tx *storage.AccountTx, pin string) (account.CheckinMethod, error) {
			return s.worker.Machine().CheckIn(tx.Account(), pin, tx.AttemptLog())
		})
}

func (s *Server) handleCancelFreeze(w http.ResponseWriter, r *http.Request) {
	s.handlePinGated(w, r, "freeze cancelled",
		func(tx *storage.AccountTx, pin string) (account.CheckinMethod, error) {
			return s.worker.Machine().CancelFreeze(tx.Account(), pin, tx.AttemptLog())
		})
}

func (s *Server) handlePinGated(w http.ResponseWriter, r *http.Request, action string,
	transition func(tx *storage.AccountTx, pin string) (account.CheckinMethod, error)) {
	userID := r.PathValue("id")
	var req pinRequest
	// An empty body is a manual action without a PIN.
	if err := decodeStrict(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	var (
		view   accountView
		method account.CheckinMethod
	)
	err := s.store.WithAccount(r.Context(), userID, func(tx *storage.AccountTx) error {
		m, err := transition(tx, req.Pin)
		if err != nil {
			return err
		}
		method = m
		tx.RecordCheckin(s.worker.Now().UTC(), m)
		view = viewOf(tx.Account())
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info(action, logx.String("user", userID), logx.String("method", string(method)))
	writeJSON(w, http.StatusOK, struct {
		accountView
		Method string `json:"method"`
	}{view, string(method)})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	hasInitial, err := s.store.HasInitialMessage(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var (
		view   accountView
		method account.CheckinMethod
	)
	err = s.store.WithAccount(r.Context(), userID, func(tx *storage.AccountTx) error {
		m, err := s.worker.Machine().ReconcileOnSignIn(tx.Account(), hasInitial)
		if err != nil {
			return err
		}
		method = m
		if m != "" {
			tx.RecordCheckin(s.worker.Now().UTC(), m)
		}
		view = viewOf(tx.Account())
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		accountView
		Method string `json:"method,omitempty"`
	}{view, string(method)})
}

func (s *Server) handleListCheckins(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	if _, err := s.store.GetAccount(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := s.store.RecentCheckins(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type entryView struct {
		At     string `json:"at"`
		Method string `json:"method"`
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{At: e.At.UTC().Format(time.RFC3339), Method: e.Method})
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": out})
}

type messageRequest struct {
	IsInitial bool `json:"is_initial"`
}

func (s *Server) handlePutMessage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	msgID := r.PathValue("msg")
	var req messageRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if _, err := s.store.GetAccount(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	err := s.store.PutMessage(r.Context(), storage.Message{
		ID:        msgID,
		UserID:    userID,
		IsInitial: req.IsInitial,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": msgID})
}

type followScheduleRequest struct {
	MessageID string        `json:"message_id"`
	Rule      followRuleDTO `json:"rule"`
	Repeats   int           `json:"repeats,omitempty"`
}

func (s *Server) handleAddFollowSchedule(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req followScheduleRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	rule, err := req.Rule.toRule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	repeats := req.Repeats
	if repeats <= 0 {
		repeats = 1
	}

	acct, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job := storage.FollowJob{
		UserID:           userID,
		MessageID:        req.MessageID,
		Rule:             rule,
		RepeatsRemaining: repeats,
	}
	// Absolute dates need no anchor; everything else waits for the
	// initial message release to prime next_send_at.
	if rule.Trigger == schedule.TriggerAbsoluteDate {
		pastPolicy, _ := s.mgr.Get().Policy.ResolvePastPolicy()
		next, ok, err := schedule.NextFollowSend(rule, acct.Location, nil, time.Now().UTC(), pastPolicy)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if ok {
			job.NextSendAt = &next
		}
	}

	id, err := s.store.AddFollowSchedule(r.Context(), job)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("follow schedule added",
		logx.String("user", userID), logx.Int64("schedule", id))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

type previewCheckinRequest struct {
	Rule     ruleDTO `json:"rule"`
	Timezone string  `json:"timezone"`
	Ref      string  `json:"ref,omitempty"` // RFC3339, defaults to now
	Count    int     `json:"count,omitempty"`
}

func (s *Server) handlePreviewCheckin(w http.ResponseWriter, r *http.Request) {
	var req previewCheckinRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	rule, err := req.Rule.toRule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	loc, err := time.LoadLocation(strings.TrimSpace(req.Timezone))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	}
	ref := time.Now().UTC()
	if req.Ref != "" {
		if ref, err = parseTimeField("ref", req.Ref); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}

	occurrences := make([]string, 0, count)
	for i := 0; i < count; i++ {
		next, ok, err := schedule.NextPrompt(rule, loc, ref)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !ok {
			break
		}
		occurrences = append(occurrences, next.Format(time.RFC3339))
		ref = next
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": occurrences})
}

type previewFollowRequest struct {
	Rule       followRuleDTO `json:"rule"`
	Timezone   string        `json:"timezone"`
	Anchor     string        `json:"anchor,omitempty"` // RFC3339, initial send instant
	Now        string        `json:"now,omitempty"`
	PastPolicy string        `json:"past_policy,omitempty"` // skip_forward | defer
}

func (s *Server) handlePreviewFollow(w http.ResponseWriter, r *http.Request) {
	var req previewFollowRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	rule, err := req.Rule.toRule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	loc, err := time.LoadLocation(strings.TrimSpace(req.Timezone))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	}
	var anchor *time.Time
	if req.Anchor != "" {
		t, err := parseTimeField("anchor", req.Anchor)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		anchor = &t
	}
	now := time.Now().UTC()
	if req.Now != "" {
		if now, err = parseTimeField("now", req.Now); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	pastPolicy, err := config.PolicyConfig{PastSendPolicy: req.PastPolicy}.ResolvePastPolicy()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	next, ok, err := schedule.NextFollowSend(rule, loc, anchor, now, pastPolicy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"scheduled": ok}
	if ok {
		resp["next_send_at"] = next.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
