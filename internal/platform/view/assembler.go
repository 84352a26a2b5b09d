package view

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
	"github.com/ehr/rxvault/internal/platform/resource"
)

const (
	resRecord = "record"
	resSchema = "schema"
	resKey    = "key"
)

// Assembler drives one session's view of one record at a time. All state
// transitions happen under mu; loads and decryption run in goroutines and
// report back tagged with the generation they were started for. A result
// whose generation is no longer current is discarded.
type Assembler struct {
	src    Sources
	logger zerolog.Logger

	gen    atomic.Uint64
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	recordID    string
	phase       Phase
	stopLoads   context.CancelFunc
	record      resource.State[*Record]
	schema      resource.State[Schema]
	key         resource.State[*keyexchange.KeyMaterial]
	decrypting  bool
	responses   hipaa.Record
	changed     chan struct{}
}

// NewAssembler creates an idle Assembler. Every load runs under a context
// derived from parent, so values such as the tenant reach the loaders;
// Close cancels them all.
func NewAssembler(parent context.Context, src Sources, logger zerolog.Logger) *Assembler {
	root, cancel := context.WithCancel(parent)
	return &Assembler{
		src:     src,
		logger:  logger,
		root:    root,
		cancel:  cancel,
		changed: make(chan struct{}),
	}
}

// Select makes recordID the current identity, discarding everything loaded
// for the previous one, and starts loading it. Selecting the current id
// again forces a reload.
func (a *Assembler) Select(recordID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.selectLocked(recordID)
}

func (a *Assembler) selectLocked(recordID string) {
	g := a.gen.Inc()
	a.resetLocked()

	ctx, cancel := context.WithCancel(a.root)
	a.stopLoads = cancel
	a.recordID = recordID
	a.phase = PhaseResolving
	a.record = resource.Pending[*Record]()

	a.logger.Debug().Str("record_id", recordID).Uint64("generation", g).Msg("view resolving")

	a.launch(func() {
		rec, err := a.src.Records(ctx, recordID)
		a.recordLoaded(ctx, g, rec, err)
	})
	a.notifyLocked()
}

// resetLocked drops every per-identity resource. Key material is destroyed
// here and nowhere else while the assembler is open.
func (a *Assembler) resetLocked() {
	if a.stopLoads != nil {
		a.stopLoads()
		a.stopLoads = nil
	}
	if km, ok := a.key.Value(); ok {
		km.Destroy()
	}
	a.recordID = ""
	a.phase = PhaseIdle
	a.record = resource.Idle[*Record]()
	a.schema = resource.Idle[Schema]()
	a.key = resource.Idle[*keyexchange.KeyMaterial]()
	a.decrypting = false
	a.responses = nil
}

// launch runs fn tracked by wg. Callers hold mu and have checked closed.
func (a *Assembler) launch(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// current reports whether g is still the live generation. Callers hold mu.
func (a *Assembler) current(g uint64) bool {
	return !a.closed && a.gen.Load() == g
}

func (a *Assembler) recordLoaded(ctx context.Context, g uint64, rec *Record, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.current(g) {
		return
	}
	if err == nil && rec == nil {
		err = ErrRecordNotFound
	}
	if err != nil {
		a.record = resource.Fail[*Record](err)
		a.evaluateLocked(ctx, g)
		return
	}

	a.record = resource.Ready(rec)
	a.schema = resource.Pending[Schema]()
	a.launch(func() {
		s, err := a.src.Schemas(ctx, rec.TemplateCode, rec.TemplateVersion)
		a.schemaLoaded(ctx, g, s, err)
	})
	// With a token the key does not depend on the schema and loads in
	// parallel. Without one, the schema decides whether a key is needed.
	if rec.KeyToken != "" {
		a.startKeyLocked(ctx, g, rec.KeyToken, true)
	}
	a.evaluateLocked(ctx, g)
}

func (a *Assembler) schemaLoaded(ctx context.Context, g uint64, s Schema, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.current(g) {
		return
	}
	if err == nil && s == nil {
		err = errors.New("template schema missing")
	}
	if err != nil {
		a.schema = resource.Fail[Schema](err)
		a.evaluateLocked(ctx, g)
		return
	}

	a.schema = resource.Ready(s)
	if a.key.Status() == resource.NotStarted {
		rec, _ := a.record.Value()
		a.startKeyLocked(ctx, g, rec.KeyToken, s.RequiresEncryption())
	}
	a.evaluateLocked(ctx, g)
}

func (a *Assembler) startKeyLocked(ctx context.Context, g uint64, token keyexchange.PseudonymInTransit, requiresEncryption bool) {
	a.key = resource.Pending[*keyexchange.KeyMaterial]()
	a.launch(func() {
		state := keyexchange.ResolveKey(ctx, a.src.Keys, a.src.Importer, token, requiresEncryption)
		a.keyLoaded(ctx, g, state)
	})
}

func (a *Assembler) keyLoaded(ctx context.Context, g uint64, state resource.State[*keyexchange.KeyMaterial]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.current(g) {
		if km, ok := state.Value(); ok {
			km.Destroy()
		}
		return
	}
	a.key = state
	a.evaluateLocked(ctx, g)
}

// evaluateLocked recomputes the joined state and moves the phase. Decryption
// is started at most once per generation.
func (a *Assembler) evaluateLocked(ctx context.Context, g uint64) {
	defer a.notifyLocked()

	if a.phase.Terminal() {
		return
	}

	agg := resource.Join(map[string]resource.Entry{
		resRecord: a.record.Entry(),
		resSchema: a.schema.Entry(),
		resKey:    a.key.Entry(),
	})

	switch agg.Status {
	case resource.Loading:
		a.phase = PhaseBlocked
	case resource.Failed:
		a.failLocked(agg.Err())
	case resource.Succeeded:
		a.phase = PhaseBlocked
		if a.decrypting {
			return
		}
		a.decrypting = true

		rec, _ := resource.Value[*Record](agg, resRecord)
		schema, _ := resource.Value[Schema](agg, resSchema)
		km, _ := resource.Value[*keyexchange.KeyMaterial](agg, resKey)
		handle := km.Handle()
		a.launch(func() {
			out, err := a.src.Codec.Decrypt(ctx, rec.Responses, schema, handle,
				hipaa.WithPlaintextPaths(rec.PlaintextPaths...))
			a.decrypted(g, out, err)
		})
	}
}

func (a *Assembler) decrypted(g uint64, out hipaa.Record, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.current(g) {
		return
	}
	a.decrypting = false
	if err != nil {
		a.failLocked(err)
	} else {
		a.phase = PhaseReady
		a.responses = out
		a.logger.Debug().Str("record_id", a.recordID).Msg("view ready")
	}
	a.notifyLocked()
}

func (a *Assembler) failLocked(cause error) {
	a.phase = PhaseErrored

	ev := a.logger.Warn().Str("record_id", a.recordID)
	var fde *hipaa.FieldDecryptionError
	if errors.As(cause, &fde) {
		ev = ev.Str("field_id", fde.FieldID).Str("path", fde.Path).AnErr("cause", fde.Cause)
	} else {
		ev = ev.Err(cause)
	}
	ev.Msg("view unavailable")
}

// notifyLocked wakes every Await blocked on the previous state.
func (a *Assembler) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Assembler) snapshotLocked() DecryptedView {
	v := DecryptedView{Phase: a.phase, RecordID: a.recordID}
	if rec, ok := a.record.Value(); ok {
		v.TemplateCode = rec.TemplateCode
	}
	switch a.phase {
	case PhaseReady:
		v.Responses = a.responses
	case PhaseErrored:
		v.Err = ErrViewUnavailable
	}
	return v
}

// View returns the current view of recordID. A different id than the
// current one switches the identity; the same id returns the memoized state
// without reloading.
func (a *Assembler) View(recordID string) DecryptedView {
	v, _ := a.view(recordID)
	return v
}

func (a *Assembler) view(recordID string) (DecryptedView, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return DecryptedView{Phase: PhaseIdle, RecordID: recordID, Err: ErrClosed}, nil
	}
	if recordID != a.recordID {
		a.selectLocked(recordID)
	}
	return a.snapshotLocked(), a.changed
}

// Await blocks until the view of recordID is Ready or Errored, ctx is done,
// or the assembler switches to another record. The last snapshot is always
// returned.
func (a *Assembler) Await(ctx context.Context, recordID string) (DecryptedView, error) {
	v, changed := a.view(recordID)
	for {
		if v.Err != nil {
			return v, v.Err
		}
		if v.Phase == PhaseReady {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-changed:
		}

		a.mu.Lock()
		switch {
		case a.closed:
			a.mu.Unlock()
			return DecryptedView{Phase: PhaseIdle, RecordID: recordID, Err: ErrClosed}, ErrClosed
		case a.recordID != recordID:
			a.mu.Unlock()
			return DecryptedView{Phase: PhaseIdle, RecordID: recordID}, ErrSuperseded
		}
		v, changed = a.snapshotLocked(), a.changed
		a.mu.Unlock()
	}
}

// Phase returns the current phase.
func (a *Assembler) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Close cancels in-flight work, destroys key material and waits for every
// goroutine started by the assembler. The assembler stays Idle afterwards.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.gen.Inc()
	a.resetLocked()
	a.closed = true
	a.cancel()
	a.notifyLocked()
	a.mu.Unlock()

	a.wg.Wait()
}
