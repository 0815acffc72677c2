package registration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/tag-gateway/internal/device"
	"github.com/nerrad567/tag-gateway/internal/metrics"
	"github.com/nerrad567/tag-gateway/internal/notify"
	"github.com/nerrad567/tag-gateway/internal/provisioning"
)

// DefaultStoreTimeout bounds the commit when none is configured.
const DefaultStoreTimeout = 5 * time.Second

// Provisioning retry defaults.
const (
	DefaultProvisionAttempts   = 3
	DefaultProvisionBackoff    = time.Second
	DefaultProvisionMaxBackoff = 10 * time.Second
)

// RetryPolicy bounds the retries of one attempt's authority exchange.
// Only transport failures (provisioning.KindAuthorityUnreachable) are
// retried; rejections end the attempt at once.
type RetryPolicy struct {
	// MaxAttempts is the total number of exchanges, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultProvisionAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultProvisionBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = max(DefaultProvisionMaxBackoff, p.InitialBackoff)
	}
	return p
}

// Checker decides eligibility. device.AvailabilityChecker satisfies it.
type Checker interface {
	CheckEligible(ctx context.Context, deviceID, gatewayID string) (device.Eligibility, error)
}

// Provisioner runs the authority exchange. provisioning.Client satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, deviceID string, credential []byte) (*provisioning.Result, error)
}

// Binder commits the device to its gateway. device.Store satisfies it.
type Binder interface {
	ConditionalBind(ctx context.Context, deviceID, gatewayID string) (device.BindResult, error)
}

// Deriver computes a device's credential. credential.Deriver satisfies it.
type Deriver interface {
	Derive(deviceID string) []byte
}

// Notifier reports an outcome to a gateway without blocking on delivery.
// notify.Sender satisfies it.
type Notifier interface {
	Notify(gatewayID string, msg notify.Message) error
}

// Recorder keeps a history of finished attempts. Recording is best
// effort: a failure is logged and never changes the outcome.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Logger defines the logging interface used by the orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Request asks for DeviceID to be bound to GatewayID.
type Request struct {
	DeviceID  string `json:"deviceId"`
	GatewayID string `json:"gatewayId"`
}

func (r Request) validate() error {
	var problems []string
	for _, f := range []struct{ name, v string }{{"device id", r.DeviceID}, {"gateway id", r.GatewayID}} {
		switch {
		case strings.TrimSpace(f.v) == "":
			problems = append(problems, f.name+" is required")
		case len(f.v) > device.MaxIDLength:
			problems = append(problems, fmt.Sprintf("%s exceeds %d characters", f.name, device.MaxIDLength))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Result describes a finished attempt.
type Result struct {
	AttemptID string
	Request   Request
	Outcome   Outcome
	// Trace lists every phase entered, START first and DONE last.
	Trace []Phase
	// Identity and Desired are set when provisioning succeeded.
	Identity *provisioning.AssignedIdentity
	Desired  provisioning.DesiredProperties
	// Err is the failure behind a non-success outcome, if any.
	Err error
	// NotifyErr is set when the notifier refused the outcome.
	NotifyErr error
	Duration  time.Duration
}

// Deps holds the orchestrator's collaborators. All but Recorder, Logger
// and Metrics are required.
type Deps struct {
	Checker      Checker
	Provisioner  Provisioner
	Binder       Binder
	Deriver      Deriver
	Notifier     Notifier
	Recorder     Recorder // optional
	StoreTimeout time.Duration
	Retry        RetryPolicy
	Logger       Logger
	Metrics      *metrics.Metrics
}

// Orchestrator runs registration attempts. It holds no per-attempt state,
// so any number of attempts may run concurrently.
type Orchestrator struct {
	checker      Checker
	provisioner  Provisioner
	binder       Binder
	deriver      Deriver
	notifier     Notifier
	recorder     Recorder
	storeTimeout time.Duration
	retry        RetryPolicy
	logger       Logger
	metrics      *metrics.Metrics

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Checker == nil:
		return nil, fmt.Errorf("registration: checker is required")
	case deps.Provisioner == nil:
		return nil, fmt.Errorf("registration: provisioner is required")
	case deps.Binder == nil:
		return nil, fmt.Errorf("registration: binder is required")
	case deps.Deriver == nil:
		return nil, fmt.Errorf("registration: credential deriver is required")
	case deps.Notifier == nil:
		return nil, fmt.Errorf("registration: notifier is required")
	}

	o := &Orchestrator{
		checker:      deps.Checker,
		provisioner:  deps.Provisioner,
		binder:       deps.Binder,
		deriver:      deps.Deriver,
		notifier:     deps.Notifier,
		recorder:     deps.Recorder,
		storeTimeout: deps.StoreTimeout,
		retry:        deps.Retry.withDefaults(),
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = DefaultStoreTimeout
	}
	if o.logger == nil {
		o.logger = noopLogger{}
	}
	return o, nil
}

// attempt is the in-flight state of one registration. It is owned by the
// goroutine running it and never shared.
type attempt struct {
	id         string
	req        Request
	credential []byte
	phase      Phase
	trace      []Phase
	startedAt  time.Time
	result     Result
}

func (a *attempt) enter(p Phase) {
	a.phase = p
	a.trace = append(a.trace, p)
}

// fail records err, enters FAILED and sets the outcome.
func (a *attempt) fail(outcome Outcome, err error) {
	a.enter(PhaseFailed)
	a.result.Outcome = outcome
	a.result.Err = err
}

// Register runs one attempt to completion and returns its result. The
// attempt ignores cancellation of ctx; each external call is bounded by its
// own timeout instead.
func (o *Orchestrator) Register(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	return o.run(context.WithoutCancel(ctx), o.newID(), req), nil
}

// Submit starts an attempt in the background and returns its ID.
func (o *Orchestrator) Submit(req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	id := o.newID()
	go func() {
		defer o.wg.Done()
		o.run(context.Background(), id, req)
	}()
	return id, nil
}

// Wait blocks until every submitted attempt has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting submissions and waits for running attempts
// until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registration: shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, id string, req Request) Result {
	a := &attempt{id: id, req: req, startedAt: o.now()}
	a.enter(PhaseStart)

	o.logger.Debug("registration attempt started",
		"attempt_id", id, "device_id", req.DeviceID, "gateway_id", req.GatewayID)

	o.decide(ctx, a)
	o.notifyOutcome(a)
	a.enter(PhaseDone)

	a.result.AttemptID = a.id
	a.result.Request = a.req
	a.result.Trace = a.trace
	a.result.Duration = o.now().Sub(a.startedAt)

	o.metrics.RegistrationFinished(string(a.result.Outcome.Kind), a.result.Duration)
	o.logResult(a.result)
	o.record(ctx, a.result)
	return a.result
}

func (o *Orchestrator) record(ctx context.Context, r Result) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	if err := o.recorder.Record(ctx, r); err != nil {
		o.logger.Warn("registration attempt not recorded", "attempt_id", r.AttemptID, "error", err)
	}
}

// decide runs CHECKING and whichever branch follows it, leaving the
// attempt with its outcome set.
func (o *Orchestrator) decide(ctx context.Context, a *attempt) {
	a.enter(PhaseChecking)
	elig, err := o.checker.CheckEligible(ctx, a.req.DeviceID, a.req.GatewayID)
	if err != nil {
		a.fail(storeFailureOutcome(), err)
		return
	}

	switch {
	case elig.AlreadyBoundToThisGateway:
		a.enter(PhaseAlreadyBoundHere)
		a.result.Outcome = successOutcome(ReasonAlreadyBound)
		return
	case !elig.Eligible:
		a.enter(PhaseBoundElsewhereOrAbsent)
		a.result.Outcome = notEligibleOutcome(string(elig.Reason))
		return
	}

	a.enter(PhaseProvisioning)
	prov, err := o.provision(ctx, a)
	if err != nil {
		a.fail(provisioningFailedOutcome(err), err)
		return
	}
	a.result.Identity = &prov.Identity
	a.result.Desired = prov.Desired

	a.enter(PhaseCommitting)
	bind, err := o.commit(ctx, a.req)
	switch {
	case err != nil:
		a.fail(storeFailureOutcome(), err)
	case bind == device.BindConflict:
		a.fail(raceLostOutcome(), nil)
	case bind == device.BindAlreadyHere:
		a.result.Outcome = successOutcome(ReasonAlreadyBound)
	default:
		a.result.Outcome = successOutcome("")
	}
}

// provision runs the authority exchange, retrying transport failures with
// exponential backoff. The credential is derived afresh for every exchange.
func (o *Orchestrator) provision(ctx context.Context, a *attempt) (*provisioning.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retry.InitialBackoff
	bo.MaxInterval = o.retry.MaxBackoff

	tries := 0
	operation := func() (*provisioning.Result, error) {
		tries++
		a.credential = o.deriver.Derive(a.req.DeviceID)
		res, err := o.provisioner.Provision(ctx, a.req.DeviceID, a.credential)
		if err != nil && provisioning.KindOf(err) != provisioning.KindAuthorityUnreachable {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	notifyRetry := func(err error, wait time.Duration) {
		o.logger.Warn("identity authority unreachable, retrying",
			"attempt_id", a.id,
			"device_id", a.req.DeviceID,
			"try", tries,
			"retry_in", wait,
			"error", err,
		)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(o.retry.MaxAttempts)), // #nosec G115 -- positive after withDefaults
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notifyRetry),
	)
}

func (o *Orchestrator) commit(ctx context.Context, req Request) (device.BindResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.binder.ConditionalBind(ctx, req.DeviceID, req.GatewayID)
}

func (o *Orchestrator) notifyOutcome(a *attempt) {
	a.enter(PhaseNotifying)
	out := a.result.Outcome
	err := o.notifier.Notify(a.req.GatewayID, notify.Message{
		RegistrationID: a.req.DeviceID,
		EdgeDeviceID:   a.req.GatewayID,
		Outcome:        string(out.Kind),
		Reason:         out.Reason,
		WasSuccessful:  out.Successful(),
		Message:        out.Message,
	})
	if err != nil {
		a.result.NotifyErr = err
		o.logger.Error("registration outcome not queued for notification",
			"attempt_id", a.id, "gateway_id", a.req.GatewayID, "error", err)
	}
}

func (o *Orchestrator) logResult(r Result) {
	args := []any{
		"attempt_id", r.AttemptID,
		"device_id", r.Request.DeviceID,
		"gateway_id", r.Request.GatewayID,
		"outcome", r.Outcome.Kind,
		"reason", r.Outcome.Reason,
		"trace", r.Trace,
		"duration_ms", r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		args = append(args, "error", r.Err)
	}
	if r.Outcome.Successful() {
		o.logger.Info("registration finished", args...)
		return
	}
	o.logger.Warn("registration finished", args...)
}
