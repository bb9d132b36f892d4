// Package httpapi is the HTTP boundary: admission, rate limiting, payload
// normalization, and the dispatch into the store layer. Handlers never see
// raw client strings and the store never sees HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aim-chat/sync-server/internal/config"
	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/platform/metrics"
	"aim-chat/sync-server/internal/platform/ratelimiter"
	"aim-chat/sync-server/internal/store"
)

const maxBodyBytes = 4 << 20

type Server struct {
	cfg     config.Config
	store   *store.Store
	log     *slog.Logger
	auth    *admission
	limiter *ratelimiter.MapLimiter
	httpSrv *http.Server
}

func New(cfg config.Config, st *store.Store, log *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		log:     log,
		auth:    newAdmission(cfg.HMACSecret),
		limiter: ratelimiter.New(cfg.RateRPS, cfg.RateBurst, 0),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full route table. Everything under /d1/ goes through
// the d1 wrapper (admission + rate limit + schema probe); /healthz and
// /metrics are open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Account resolver / purge.
	mux.HandleFunc("POST /d1/tags/exchange", s.d1("tags/exchange", s.handleTagsExchange))
	mux.HandleFunc("POST /d1/tags/store-mk", s.d1("tags/store-mk", s.handleTagsStoreMK))
	mux.HandleFunc("POST /d1/devkeys/store", s.d1("devkeys/store", s.handleDevkeysStore))
	mux.HandleFunc("POST /d1/devkeys/fetch", s.d1("devkeys/fetch", s.handleDevkeysFetch))
	mux.HandleFunc("POST /d1/opaque/store", s.d1("opaque/store", s.handleOpaqueStore))
	mux.HandleFunc("POST /d1/opaque/fetch", s.d1("opaque/fetch", s.handleOpaqueFetch))
	mux.HandleFunc("POST /d1/accounts/verify", s.d1("accounts/verify", s.handleAccountsVerify))
	mux.HandleFunc("GET /d1/accounts/created", s.d1("accounts/created", s.handleAccountsCreated))
	mux.HandleFunc("GET /d1/account/evidence", s.d1("account/evidence", s.handleAccountEvidence))
	mux.HandleFunc("POST /d1/accounts/purge", s.d1("accounts/purge", s.handleAccountsPurge))

	// Prekeys.
	mux.HandleFunc("POST /d1/prekeys/publish", s.d1("prekeys/publish", s.handlePrekeysPublish))
	mux.HandleFunc("GET /d1/prekeys/bundle", s.d1("prekeys/bundle", s.handlePrekeysBundle))

	// Messages.
	mux.HandleFunc("POST /d1/messages", s.d1("messages/post", s.handleMessagePost))
	mux.HandleFunc("GET /d1/messages", s.d1("messages/list", s.handleMessageList))
	mux.HandleFunc("GET /d1/messages/by-counter", s.d1("messages/by-counter", s.handleMessagesByCounter))
	mux.HandleFunc("POST /d1/messages/secure/max-counter", s.d1("messages/max-counter", s.handleMaxCounter))
	mux.HandleFunc("POST /d1/messages/atomic-send", s.d1("messages/atomic-send", s.handleAtomicSend))
	mux.HandleFunc("POST /d1/messages/send-state", s.d1("messages/send-state", s.handleSendState))
	mux.HandleFunc("POST /d1/messages/outgoing-status", s.d1("messages/outgoing-status", s.handleOutgoingStatus))
	mux.HandleFunc("POST /d1/messages/secure/delete-conversation", s.d1("messages/delete-conversation", s.handleDeleteConversation))
	mux.HandleFunc("POST /d1/messages/delete", s.d1("messages/delete", s.handleMessageDelete))

	// Vault.
	mux.HandleFunc("POST /d1/message-key-vault/put", s.d1("vault/put", s.handleVaultPut))
	mux.HandleFunc("POST /d1/message-key-vault/get", s.d1("vault/get", s.handleVaultGet))
	mux.HandleFunc("POST /d1/message-key-vault/latest-state", s.d1("vault/latest-state", s.handleVaultLatestState))
	mux.HandleFunc("POST /d1/message-key-vault/delete", s.d1("vault/delete", s.handleVaultDelete))
	mux.HandleFunc("POST /d1/message-key-vault/count", s.d1("vault/count", s.handleVaultCount))

	// Invites.
	mux.HandleFunc("POST /d1/invites/create", s.d1("invites/create", s.handleInviteCreate))
	mux.HandleFunc("POST /d1/invites/deliver", s.d1("invites/deliver", s.handleInviteDeliver))
	mux.HandleFunc("POST /d1/invites/consume", s.d1("invites/consume", s.handleInviteConsume))
	mux.HandleFunc("POST /d1/invites/status", s.d1("invites/status", s.handleInviteStatus))

	// Contact secrets.
	mux.HandleFunc("POST /d1/contact-secrets/backup", s.d1("backup/write", s.handleBackupWrite))
	mux.HandleFunc("GET /d1/contact-secrets/backup", s.d1("backup/read", s.handleBackupRead))
	mux.HandleFunc("POST /d1/friends/contact-delete", s.d1("friends/contact-delete", s.handleContactDelete))

	// Deletion & tombstones.
	mux.HandleFunc("POST /d1/deletion/cursor", s.d1("deletion/cursor", s.handleDeletionCursor))
	mux.HandleFunc("POST /d1/deletion/log", s.d1("deletion/log-append", s.handleDeletionLogAppend))
	mux.HandleFunc("GET /d1/deletion/log", s.d1("deletion/log-list", s.handleDeletionLogList))

	// Subscriptions.
	mux.HandleFunc("POST /d1/subscription/redeem", s.d1("subscription/redeem", s.handleRedeem))
	mux.HandleFunc("GET /d1/subscription/status", s.d1("subscription/status", s.handleSubscriptionStatus))
	mux.HandleFunc("GET /d1/subscription/token-status", s.d1("subscription/token-status", s.handleTokenStatus))

	// Devices.
	mux.HandleFunc("POST /d1/devices/upsert", s.d1("devices/upsert", s.handleDeviceUpsert))
	mux.HandleFunc("GET /d1/devices/check", s.d1("devices/check", s.handleDeviceCheck))
	mux.HandleFunc("GET /d1/devices/active", s.d1("devices/active", s.handleDevicesActive))

	// Calls.
	mux.HandleFunc("POST /d1/calls/session", s.d1("calls/session", s.handleCallSession))
	mux.HandleFunc("POST /d1/calls/events", s.d1("calls/events", s.handleCallEvents))

	// Contacts, groups, conversations, media.
	mux.HandleFunc("POST /d1/contacts/upsert", s.d1("contacts/upsert", s.handleContactUpsert))
	mux.HandleFunc("GET /d1/contacts/snapshot", s.d1("contacts/snapshot", s.handleContactsSnapshot))
	mux.HandleFunc("POST /d1/groups/create", s.d1("groups/create", s.handleGroupCreate))
	mux.HandleFunc("POST /d1/groups/members/add", s.d1("groups/members-add", s.handleGroupMembersAdd))
	mux.HandleFunc("POST /d1/groups/members/remove", s.d1("groups/members-remove", s.handleGroupMembersRemove))
	mux.HandleFunc("GET /d1/groups/get", s.d1("groups/get", s.handleGroupGet))
	mux.HandleFunc("POST /d1/conversations/authorize", s.d1("conversations/authorize", s.handleConversationAuthorize))
	mux.HandleFunc("POST /d1/media/usage", s.d1("media/usage", s.handleMediaUsage))

	return mux
}

// handlerFunc returns the response value (serialized as 200) or a domain
// error. A nil value with nil error becomes 204.
type handlerFunc func(r *http.Request, p payload) (any, error)

// d1 wraps one authenticated route: read the body, verify the HMAC, rate
// limit, probe the schema, decode, dispatch, serialize.
func (s *Server) d1(route string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			status = http.StatusBadRequest
			writeJSON(w, status, map[string]string{"error": contracts.CodeBadRequest, "message": "unreadable body"})
			return
		}

		if !s.auth.verify(r, body) {
			status = http.StatusUnauthorized
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(status)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}

		if !s.limiter.Allow(s.rateKey(r, body), time.Now()) {
			metrics.RateLimitedTotal.Inc()
			status = http.StatusTooManyRequests
			writeJSON(w, status, map[string]string{"error": "RateLimited", "message": "slow down"})
			return
		}

		if err := s.store.VerifySchema(r.Context()); err != nil {
			status = writeError(w, s.log, route, err)
			return
		}

		p, err := parsePayload(body)
		if err != nil {
			status = writeError(w, s.log, route, err)
			return
		}

		out, err := h(r, p)
		if err != nil {
			status = writeError(w, s.log, route, err)
			return
		}
		if out == nil {
			status = http.StatusNoContent
			w.WriteHeader(status)
			return
		}
		s.log.Debug("request ok", "route", route)
		writeJSON(w, status, out)
	}
}

// rateKey prefers the caller's account digest (body or query) so one noisy
// account cannot starve an address shared behind NAT; falls back to the
// remote host.
func (s *Server) rateKey(r *http.Request, body []byte) string {
	if p, err := parsePayload(body); err == nil {
		for _, k := range []string{"accountDigest", "account_digest", "digest", "ownerAccountDigest", "senderAccountDigest", "sender_account_digest"} {
			if d, ok := normalize.AccountDigest(p.str(k)); ok {
				return d
			}
		}
	}
	for _, k := range []string{"accountDigest", "requesterDigest", "digest", "peerAccountDigest"} {
		if d, ok := normalize.AccountDigest(r.URL.Query().Get(k)); ok {
			return d
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Run serves until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
