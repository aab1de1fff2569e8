package workflow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/marketwire/brokerauth/transport"
)

const (
	// DefaultPollInterval is the fixed wait between inquiry polls.
	DefaultPollInterval = 5 * time.Second
	// DefaultDeadline caps one workflow attempt end to end.
	DefaultDeadline = 120 * time.Second
	// DefaultRetryBudget bounds status-confirmation failures before the
	// attempt is declared timed out.
	DefaultRetryBudget = 5

	// flowKind is the workflow flavor requested at machine registration.
	flowKind = "suv"
)

// Engine runs verification workflows against the brokerage API.
type Engine struct {
	adapter  transport.Adapter
	baseURL  string
	prompt   CodePrompt
	interval time.Duration
	deadline time.Duration
	budget   int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPollInterval overrides the wait between polls.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithDeadline overrides the per-workflow wall clock ceiling.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deadline = d
		}
	}
}

// WithRetryBudget overrides the status-confirmation retry budget.
func WithRetryBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.budget = n
		}
	}
}

// New creates an Engine. prompt may be nil when only app-prompt approvals
// are expected; an issued SMS/email challenge without a prompt callback
// fails the workflow.
func New(adapter transport.Adapter, baseURL string, prompt CodePrompt, opts ...Option) *Engine {
	e := &Engine{
		adapter:  adapter,
		baseURL:  baseURL,
		prompt:   prompt,
		interval: DefaultPollInterval,
		deadline: DefaultDeadline,
		budget:   DefaultRetryBudget,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run drives one verification workflow to approval. It registers a machine
// for the workflow, resolves any interposed challenge, and confirms the
// workflow status. The returned error is ErrWorkflowInit, ErrWorkflowTimeout,
// a context error, or a prompt callback failure.
func (e *Engine) Run(ctx context.Context, deviceToken, workflowID string) error {
	sess, err := e.registerMachine(ctx, deviceToken, workflowID)
	if err != nil {
		return err
	}
	log.WithField("machine_id", sess.MachineID).Info("verification workflow started")

	if err = e.resolveChallenge(ctx, sess); err != nil {
		return err
	}
	if err = e.confirmStatus(ctx, sess); err != nil {
		sess.State = StateTimedOut
		return err
	}
	sess.State = StateApproved
	log.Info("verification workflow approved")
	return nil
}

// registerMachine issues the machine registration request and opens a
// workflow session.
func (e *Engine) registerMachine(ctx context.Context, deviceToken, workflowID string) (*Session, error) {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "device_id", deviceToken)
	payload, _ = sjson.SetBytes(payload, "flow", flowKind)
	payload, _ = sjson.SetBytes(payload, "input.workflow_id", workflowID)

	body, err := e.adapter.Post(ctx, e.baseURL+"pathfinder/user_machine/", payload, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowInit, err)
	}
	machineID := gjson.GetBytes(body, "id").String()
	if machineID == "" {
		return nil, fmt.Errorf("%w: registration response carries no machine id", ErrWorkflowInit)
	}

	started := e.now()
	return &Session{
		MachineID: machineID,
		StartedAt: started,
		Deadline:  started.Add(e.deadline),
		State:     StateStarted,
	}, nil
}

func (e *Engine) inquiryURL(sess *Session) string {
	return e.baseURL + "pathfinder/inquiries/" + sess.MachineID + "/user_view/"
}

// resolveChallenge polls the inquiry view until the interposed challenge, if
// any, is validated or the session deadline passes. Reaching the deadline
// here is not terminal by itself; confirmStatus owns the timeout verdict.
func (e *Engine) resolveChallenge(ctx context.Context, sess *Session) error {
	url := e.inquiryURL(sess)
	for e.now().Before(sess.Deadline) {
		if err := e.sleep(ctx, e.interval); err != nil {
			return err
		}
		body, err := e.adapter.Get(ctx, url)
		if err != nil || len(body) == 0 {
			// Transient: keep polling rather than aborting the workflow.
			log.WithField("machine_id", sess.MachineID).Warn("no response from inquiry view, retrying")
			continue
		}

		challenge, ok := challengeFromInquiry(gjson.GetBytes(body, "context.sheriff_challenge"))
		if !ok {
			// No challenge interposed; the workflow proceeds straight to
			// status confirmation.
			return nil
		}
		sess.State = StateChallengeDetected
		log.WithFields(log.Fields{"challenge": challenge.Type, "status": challenge.Status}).Info("challenge detected")

		switch {
		case challenge.Type == ChallengePrompt:
			return e.waitForPrompt(ctx, sess, challenge)
		case challenge.Status == StatusValidated:
			sess.State = StateChallengeValidated
			return nil
		case (challenge.Type == ChallengeSMS || challenge.Type == ChallengeEmail) && challenge.Status == StatusIssued:
			validated, err := e.submitCode(ctx, sess, challenge)
			if err != nil {
				return err
			}
			if validated {
				sess.State = StateChallengeValidated
				return nil
			}
			// Submission not accepted yet; the inquiry view reflects the
			// challenge outcome on a later poll.
		}
	}
	return nil
}

// waitForPrompt polls the prompt-status endpoint until the user approves the
// push notification in the mobile app.
func (e *Engine) waitForPrompt(ctx context.Context, sess *Session, challenge Challenge) error {
	sess.State = StatePromptWait
	log.Info("check the mobile app for the device approval prompt")

	url := e.baseURL + "push/" + challenge.ID + "/get_prompts_status/"
	for e.now().Before(sess.Deadline) {
		if err := e.sleep(ctx, e.interval); err != nil {
			return err
		}
		body, err := e.adapter.Get(ctx, url)
		if err != nil || len(body) == 0 {
			log.Warn("no response from prompt status, retrying")
			continue
		}
		if gjson.GetBytes(body, "challenge_status").String() == StatusValidated {
			sess.State = StateChallengeValidated
			return nil
		}
	}
	return nil
}

// submitCode solicits one verification code from the caller and submits it.
func (e *Engine) submitCode(ctx context.Context, sess *Session, challenge Challenge) (bool, error) {
	sess.State = StateCodeWait
	if e.prompt == nil {
		return false, fmt.Errorf("%s challenge issued but no code prompt is configured", challenge.Type)
	}
	code, err := e.prompt(ctx, challenge.Type)
	if err != nil {
		return false, fmt.Errorf("solicit verification code: %w", err)
	}

	payload, _ := sjson.SetBytes([]byte(`{}`), "response", code)
	body, err := e.adapter.Post(ctx, e.baseURL+"challenge/"+challenge.ID+"/respond/", payload, true)
	if err != nil {
		log.Warnf("challenge response submission failed: %v", err)
		return false, nil
	}
	return gjson.GetBytes(body, "status").String() == StatusValidated, nil
}

// confirmStatus posts the continue directive until the service reports the
// workflow approved. A nested internal-pending status keeps polling without
// consuming budget; any other failure consumes one of the retry budget units.
func (e *Engine) confirmStatus(ctx context.Context, sess *Session) error {
	sess.State = StateWorkflowPolling

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "sequence", 0)
	payload, _ = sjson.SetBytes(payload, "user_input.status", "continue")

	url := e.inquiryURL(sess)
	retries := e.budget
	consume := func() error {
		retries--
		if retries <= 0 {
			return fmt.Errorf("%w: status confirmation retry budget exhausted", ErrWorkflowTimeout)
		}
		return e.sleep(ctx, e.interval)
	}

	for e.now().Before(sess.Deadline) {
		body, err := e.adapter.Post(ctx, url, payload, true)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("workflow status check failed: %v", err)
			if err = consume(); err != nil {
				return err
			}
			continue
		}
		if len(body) == 0 {
			log.Warn("empty workflow status response, retrying")
			if err = consume(); err != nil {
				return err
			}
			continue
		}

		if gjson.GetBytes(body, "type_context.result").String() == workflowStatusApproved {
			return nil
		}
		switch gjson.GetBytes(body, "verification_workflow.workflow_status").String() {
		case workflowStatusApproved:
			return nil
		case workflowStatusInternalPending:
			log.Info("workflow still pending, waiting for the service to finalize approval")
			if err = e.sleep(ctx, e.interval); err != nil {
				return err
			}
		default:
			if err = consume(); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: deadline elapsed before approval", ErrWorkflowTimeout)
}
