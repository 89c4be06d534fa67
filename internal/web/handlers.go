package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// publishTimeout bounds the event publish behind a push acknowledgement.
const publishTimeout = 5 * time.Second

// Handlers contains HTTP route handlers.
type Handlers struct {
	research Research
	receiver Receiver
	log      *zap.Logger
}

// HandleCalendarWebhook handles POST /webhooks/google-calendar.
//
// Header problems are rejected with 400. Once the headers are valid the push
// is always acknowledged with 200, whatever happens downstream, so the
// provider never retries.
func (h *Handlers) HandleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	n, err := webhook.ValidateNotification(r.Header)
	if err != nil {
		renderProblem(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), publishTimeout)
	defer cancel()
	h.receiver.Receive(ctx, n)

	w.WriteHeader(http.StatusOK)
}

// AdHocRequest is the body of POST /research.
type AdHocRequest struct {
	CampaignID string              `json:"campaignId"`
	Prospects  []research.Prospect `json:"prospects"`
}

// Accepted is returned when research has been queued.
type Accepted struct {
	Subject   research.Subject `json:"subject"`
	Attempt   int              `json:"attempt"`
	StatusURL string           `json:"statusUrl"`
}

func accepted(req research.Request) Accepted {
	s := req.Subject()
	return Accepted{
		Subject:   s,
		Attempt:   req.Attempt,
		StatusURL: "/research/" + string(s.Kind) + "/" + s.ID,
	}
}

// HandleRequest handles POST /research: queue ad-hoc research.
func (h *Handlers) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var body AdHocRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		renderProblem(w, r, errors.NewInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}

	req, err := h.research.RequestAdHoc(r.Context(), body.CampaignID, body.Prospects)
	if err != nil {
		renderProblem(w, r, err)
		return
	}
	w.Header().Set("Location", accepted(req).StatusURL)
	renderJSON(w, http.StatusAccepted, accepted(req))
}

// HandleStatus handles GET /research/{kind}/{id}. Browsers asking for HTML
// get the brief rendered as a page.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFromPath(r)
	if err != nil {
		renderProblem(w, r, err)
		return
	}

	view, err := h.research.Status(r.Context(), subject)
	if err != nil {
		renderProblem(w, r, err)
		return
	}

	if wantsHTML(r) {
		renderStatusPage(w, view)
		return
	}
	renderJSON(w, http.StatusOK, view)
}

// HandleRetry handles POST /research/{kind}/{id}/retry.
func (h *Handlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFromPath(r)
	if err != nil {
		renderProblem(w, r, err)
		return
	}

	req, err := h.research.Retry(r.Context(), subject)
	if err != nil {
		renderProblem(w, r, err)
		return
	}
	renderJSON(w, http.StatusAccepted, accepted(req))
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func subjectFromPath(r *http.Request) (research.Subject, error) {
	return research.ParseSubject(r.PathValue("kind") + ":" + r.PathValue("id"))
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
