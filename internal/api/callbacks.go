package api

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/webhook"
	"github.com/bbblb/bbblb/pkg/models"
)

// handleCallbackEnd receives the end-of-meeting signal from a backend. The
// URL was minted at create time and carries its own HMAC, so no payload
// verification is needed. The signal is honored at most once: the END row is
// consumed and the meeting forgotten even when the frontend forward fails.
func (a *API) handleCallbackEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meetingUUID := chi.URLParam(r, "uuid")
	sig := chi.URLParam(r, "sig")
	if meetingUUID == "" || sig == "" {
		http.Error(w, "Invalid callback URL", http.StatusBadRequest)
		return
	}

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(endCallbackMAC(a.cfg.Secret, meetingUUID), got) {
		a.log.Warn().Str("uuid", meetingUUID).Msg("end callback with bad signature")
		http.Error(w, "Access denied, signature check failed", http.StatusUnauthorized)
		return
	}

	cb, err := a.store.TakeEndCallback(ctx, meetingUUID)
	if err != nil && !errors.Is(err, models.ErrCallbackNotFound) {
		a.log.Error().Err(err).Str("uuid", meetingUUID).Msg("consuming end callback")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Unhandled exception",
			"message": "You found a bug!",
		})
		return
	}
	if cb != nil && cb.Forward != "" {
		forward := cb.Forward
		query := r.URL.Query()
		a.tasks.spawn("forward end callback "+meetingUUID, func(ctx context.Context) error {
			err := a.hooks.Get(ctx, forward, query)
			if err != nil {
				metrics.IncCallbackForward(models.CallbackTypeEnd, "failed")
				return err
			}
			metrics.IncCallbackForward(models.CallbackTypeEnd, "delivered")
			return nil
		})
	}

	meeting, err := a.store.GetMeetingByUUID(ctx, meetingUUID)
	switch {
	case err == nil:
		if err := a.store.DeleteMeeting(ctx, meeting.ID); err != nil && !errors.Is(err, models.ErrMeetingNotFound) {
			a.log.Error().Err(err).Str("uuid", meetingUUID).Msg("forgetting ended meeting")
		} else {
			metrics.IncMeetingEnded(meeting.Tenant.Name)
			a.log.Info().
				Str("meeting", meeting.ExternalID).
				Str("tenant", meeting.Tenant.Name).
				Msg("meeting ended by backend callback")
		}
	case errors.Is(err, models.ErrMeetingNotFound):
		// Already forgotten, e.g. by an explicit end call.
	default:
		a.log.Error().Err(err).Str("uuid", meetingUUID).Msg("looking up ended meeting")
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// handleCallbackProxy receives a JWT-carrying callback (analytics and
// friends) from a backend, verifies it against the backend's secret and
// re-signs the claims per tenant before forwarding. Rows are deleted after
// the delivery attempt either way; these callbacks fire once per meeting.
func (a *API) handleCallbackProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meetingUUID := chi.URLParam(r, "uuid")
	cbType := chi.URLParam(r, "type")

	limit := int64(a.cfg.MaxBody)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil || int64(len(body)) > limit {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	form, _ := url.ParseQuery(string(body))
	payload := form.Get("signed_parameters")
	if payload == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	callbacks, err := a.store.ListCallbacks(ctx, meetingUUID, cbType)
	if err != nil {
		a.log.Error().Err(err).Str("uuid", meetingUUID).Str("type", cbType).Msg("listing callbacks")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Unhandled exception",
			"message": "You found a bug!",
		})
		return
	}
	if len(callbacks) == 0 {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
		return
	}

	// All rows for one meeting share the same backend, so any row's server
	// secret verifies the payload.
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(payload, claims, func(*jwt.Token) (any, error) {
		return []byte(callbacks[0].Server.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		a.log.Warn().Err(err).Str("uuid", meetingUUID).Str("type", cbType).Msg("callback payload with bad signature")
		http.Error(w, "Access denied, signature check failed", http.StatusUnauthorized)
		return
	}

	for _, cb := range callbacks {
		a.tasks.spawn("forward "+cbType+" callback "+meetingUUID, func(ctx context.Context) error {
			err := a.forwardSigned(ctx, cb, claims)
			if err != nil {
				metrics.IncCallbackForward(cbType, "failed")
			} else {
				metrics.IncCallbackForward(cbType, "delivered")
			}
			if dErr := a.store.DeleteCallback(ctx, cb.ID); dErr != nil {
				a.log.Error().Err(dErr).Str("uuid", cb.UUID).Msg("deleting delivered callback")
			}
			return err
		})
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// forwardSigned re-signs the claims with the tenant's secret and posts them
// to the frontend URL registered at create time.
func (a *API) forwardSigned(ctx context.Context, cb *models.Callback, claims jwt.MapClaims) error {
	token, err := webhook.Sign(claims, cb.Tenant.SigningSecret())
	if err != nil {
		return err
	}
	return a.hooks.PostForm(ctx, cb.Forward, url.Values{"signed_parameters": {token}})
}
