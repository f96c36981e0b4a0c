package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/flowlayer/kvcacheproxy/internal/apierr"
	"github.com/flowlayer/kvcacheproxy/internal/cacheentry"
	"github.com/flowlayer/kvcacheproxy/internal/config"
	"github.com/flowlayer/kvcacheproxy/internal/dedupe"
	"github.com/flowlayer/kvcacheproxy/internal/fingerprint"
	"github.com/flowlayer/kvcacheproxy/internal/lcpindex"
	"github.com/flowlayer/kvcacheproxy/internal/metastore"
	"github.com/flowlayer/kvcacheproxy/internal/metrics"
	"github.com/flowlayer/kvcacheproxy/internal/slotmanager"
	"github.com/flowlayer/kvcacheproxy/internal/syncmap"
	"github.com/flowlayer/kvcacheproxy/internal/upstream"
)

// Coordinator wires together the Prompt Fingerprinter, LCP Index, Slot
// Manager, Metadata Store, and Upstream Client to run the per-request
// algorithm of spec.md §4.6. Its structure is grounded on the pack's
// pario-ai-pario/pkg/proxy/proxy.go handleChatCompletions (cache check,
// then upstream call, then bookkeeping), generalized from Pario's
// SQLite-backed prompt cache to this system's slot/prefix cache.
type Coordinator struct {
	cfg      *config.Config
	slots    *slotmanager.Manager
	index    *lcpindex.Index
	store    *metastore.Store
	upstream *upstream.Client
	dedup    *dedupe.Guard
	inFlight *syncmap.Map[string, int] // request_id -> slot_id, for metrics/observability
}

// New wires a Coordinator from its already-constructed dependencies.
func New(cfg *config.Config, slots *slotmanager.Manager, index *lcpindex.Index, store *metastore.Store, client *upstream.Client) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		slots:    slots,
		index:    index,
		store:    store,
		upstream: client,
		dedup:    dedupe.New(),
		inFlight: &syncmap.Map[string, int]{},
	}
}

// InFlightCount reports the number of requests currently holding a slot.
func (c *Coordinator) InFlightCount() int {
	return c.inFlight.Len()
}

// Handle is a single completion request in progress, carrying everything
// Complete needs to finish spec.md §4.6 steps 8-9 once the backend
// response has been fully relayed to the client.
type Handle struct {
	c           *Coordinator
	requestID   string
	model       string
	fp          fingerprint.Fingerprint
	promptChars int
	usedEntry   *cacheentry.Entry
	slotID      int
	start       time.Time
	Response    *http.Response
}

// gate evaluates spec.md's "big enough to bother caching" test under
// THRESHOLD_MODE, grounded on original_source/config.py's THRESHOLD_MODE
// ("chars"/"words"/"blocks", each paired with its own MIN_PREFIX_* bound).
// An empty ThresholdMode — as on a directly-constructed config.Config{}
// that never sets the field — is treated the same as "words", preserving
// the word-count gate this coordinator always used.
func (c *Coordinator) gate(promptText string, fp fingerprint.Fingerprint) bool {
	switch c.cfg.ThresholdMode {
	case "chars":
		return len(promptText) >= c.cfg.BigThresholdChars
	case "blocks":
		return len(fp.Signatures) >= c.cfg.BigThresholdBlocks
	default:
		return fp.WordCount >= c.cfg.BigThreshold
	}
}

// Forward runs spec.md §4.6 steps 2-7: fingerprint, gate, lookup, assign,
// restore, forward. On success the caller owns Response.Body and must
// relay it to the client, then call Complete exactly once.
func (c *Coordinator) Forward(ctx context.Context, requestID string, req *ParsedRequest) (*Handle, error) {
	start := time.Now()
	fp := fingerprint.Compute(req.PromptText, c.cfg.WordsPerBlock)

	var candidate *cacheentry.Entry
	bigEnough := c.gate(req.PromptText, fp) && len(fp.Signatures) > 0
	if !bigEnough {
		metrics.CacheLookups.WithLabelValues("gated").Inc()
	} else if !c.dedup.MarkInFlight(req.Model, fp.Signatures) {
		// An identical prompt is already in flight (or completed within the
		// guard's TTL) for this model: its own lookup will produce whatever
		// candidate exists, so this request skips the redundant LCP-index
		// walk and proceeds as a miss rather than duplicating the work.
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	} else {
		candidates := c.index.Lookup(req.Model, fp.Signatures, c.cfg.LCPThreshold)
		if len(candidates) > 0 {
			candidate = candidates[0].Entry
			metrics.CacheLookups.WithLabelValues("hit").Inc()
		} else {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	slotID, err := c.slots.Assign(ctx, requestID, candidate)
	if err != nil {
		klog.ErrorS(err, "slot_assign_failed", "request_id", requestID, "model", req.Model)
		metrics.RequestDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		return nil, apierr.New(apierr.GatewayTimeout, "no inference slot became available before the request deadline")
	}
	c.inFlight.Store(requestID, slotID)

	if candidate != nil && !c.slots.Holds(slotID, candidate.SlotID) && !c.backendAlreadyHolds(ctx, req.Model, slotID, candidate.SlotID) {
		if err := c.upstream.RestoreSlot(ctx, req.Model, slotID, candidate.SlotID); err != nil {
			klog.ErrorS(err, "restore_slot_failed_downgrading", "request_id", requestID, "slot_id", slotID, "save_id", candidate.SlotID)
			candidate = nil // spec.md §4.6 step 6: downgrade, do not fail the request
		}
	}
	c.slots.MarkBusy(slotID)

	resp, err := c.upstream.ForwardCompletion(ctx, req.Model, slotID, req.RawBody)
	if err != nil {
		klog.ErrorS(err, "forward_completion_failed", "request_id", requestID, "slot_id", slotID)
		c.releaseAfterFailure(requestID, slotID, req.Model, fp)
		metrics.RequestDuration.WithLabelValues("bad_gateway").Observe(time.Since(start).Seconds())
		return nil, apierr.New(apierr.BadGateway, "upstream backend unreachable")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		resp.Body.Close()
		klog.ErrorS(nil, "forward_completion_backend_error", "request_id", requestID, "slot_id", slotID, "status", resp.StatusCode)
		c.releaseAfterFailure(requestID, slotID, req.Model, fp)
		metrics.RequestDuration.WithLabelValues("bad_gateway").Observe(time.Since(start).Seconds())
		return nil, apierr.New(apierr.BadGateway, "upstream backend returned an error status")
	}

	return &Handle{
		c:           c,
		requestID:   requestID,
		model:       req.Model,
		fp:          fp,
		promptChars: len(req.PromptText),
		usedEntry:   candidate,
		slotID:      slotID,
		start:       start,
		Response:    resp,
	}, nil
}

// backendAlreadyHolds is the Open Question resolution of SPEC_FULL.md: an
// advisory, lazily-invoked list_slots check that lets a fresh process (whose
// in-memory resident-entry hints were just lost to a restart) skip a
// redundant restore_slot call when the backend itself still has the right
// KV state loaded. It is only consulted on the cold path right before a
// restore would otherwise happen, never on every request, and a failure to
// reach the backend here is not fatal — the caller falls back to issuing
// the restore, which is always correct, just occasionally unnecessary.
func (c *Coordinator) backendAlreadyHolds(ctx context.Context, model string, slotID int, saveID string) bool {
	states, err := c.upstream.ListSlots(ctx, model)
	if err != nil {
		klog.V(4).InfoS("list_slots_check_failed_will_restore", "model", model, "slot_id", slotID, "err", err.Error())
		return false
	}
	for _, s := range states {
		if s.ID == slotID {
			return s.SaveID == saveID
		}
	}
	return false
}

// gateByCount re-evaluates the admission-time gate from the Handle's own
// recorded counts, used at Complete since the raw prompt text is no longer
// held onto past Forward.
func (h *Handle) gateByCount() bool {
	switch h.c.cfg.ThresholdMode {
	case "chars":
		return h.promptChars >= h.c.cfg.BigThresholdChars
	case "blocks":
		return len(h.fp.Signatures) >= h.c.cfg.BigThresholdBlocks
	default:
		return h.fp.WordCount >= h.c.cfg.BigThreshold
	}
}

func (c *Coordinator) releaseAfterFailure(requestID string, slotID int, model string, fp fingerprint.Fingerprint) {
	c.slots.Release(slotID, nil)
	c.inFlight.Delete(requestID)
	c.dedup.Clear(model, fp.Signatures)
}

// Complete runs spec.md §4.6 steps 8-9 (Admit, Release). success is false
// when the client disconnected mid-stream or the upstream stream failed
// partway through — in that case the coordinator does not admit, per
// spec.md §4.6's failure-handling table.
func (h *Handle) Complete(ctx context.Context, success bool) {
	defer h.c.inFlight.Delete(h.requestID)
	defer h.c.dedup.Clear(h.model, h.fp.Signatures)

	if !success {
		h.c.slots.Release(h.slotID, h.usedEntry)
		metrics.RequestDuration.WithLabelValues("client_aborted").Observe(time.Since(h.start).Seconds())
		return
	}

	finalEntry := h.usedEntry
	bigEnough := h.gateByCount() && len(h.fp.Signatures) > 0
	learnedMore := h.usedEntry == nil || len(h.usedEntry.Signatures) < len(h.fp.Signatures)

	if bigEnough && learnedMore {
		saveID := uuid.New().String()
		if err := h.c.upstream.SaveSlot(ctx, h.model, h.slotID, saveID); err != nil {
			klog.ErrorS(err, "save_slot_failed_skipping_admission", "request_id", h.requestID, "slot_id", h.slotID)
		} else {
			now := time.Now()
			newEntry := &cacheentry.Entry{
				SlotID:     saveID,
				Model:      h.model,
				Signatures: h.fp.Signatures,
				WordCount:  h.fp.WordCount,
				CreatedAt:  now,
				LastUsedAt: now,
			}
			if err := h.c.store.Put(newEntry); err != nil {
				klog.ErrorS(err, "metadata_write_failed_skipping_admission", "request_id", h.requestID, "save_id", saveID)
			} else {
				h.c.index.Insert(newEntry)
				finalEntry = newEntry
				klog.InfoS("cache_entry_admitted", "request_id", h.requestID, "save_id", saveID, "model", h.model, "blocks", len(newEntry.Signatures))
			}
		}
	} else if h.usedEntry != nil {
		lcpindex.Touch(h.usedEntry, time.Now())
	}

	h.c.slots.Release(h.slotID, finalEntry)
	metrics.RequestDuration.WithLabelValues("ok").Observe(time.Since(h.start).Seconds())
}
