// Package workflow drives the brokerage's multi-factor verification workflow
// to completion: device approval prompts and SMS/email challenge codes, then
// confirmation that the overall workflow reached approval.
package workflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Typed failures surfaced to the session manager.
var (
	// ErrWorkflowInit signals that machine registration did not yield a
	// usable identifier.
	ErrWorkflowInit = errors.New("verification workflow could not be initialized")
	// ErrWorkflowTimeout signals that the workflow deadline elapsed or the
	// status-confirmation retry budget was exhausted without approval. It is
	// an explicit failure; approval is never assumed.
	ErrWorkflowTimeout = errors.New("verification workflow timed out")
)

// State identifies a stage of the verification workflow.
type State string

const (
	StateStarted            State = "started"
	StateChallengeDetected  State = "challenge_detected"
	StatePromptWait         State = "prompt_wait"
	StateCodeWait           State = "code_wait"
	StateChallengeValidated State = "challenge_validated"
	StateWorkflowPolling    State = "workflow_polling"
	StateApproved           State = "approved"
	StateTimedOut           State = "timed_out"
)

// ChallengeType identifies the verification method of a challenge.
type ChallengeType string

const (
	ChallengeSMS    ChallengeType = "sms"
	ChallengeEmail  ChallengeType = "email"
	ChallengePrompt ChallengeType = "prompt"
)

// Challenge statuses reported by the inquiry view.
const (
	StatusIssued    = "issued"
	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusRejected  = "rejected"
)

// Workflow status values reported during confirmation polling.
const (
	workflowStatusApproved        = "workflow_status_approved"
	workflowStatusInternalPending = "workflow_status_internal_pending"
)

// Challenge is one instance of a verification method within a workflow. It
// lives only for the duration of the workflow run.
type Challenge struct {
	ID     string
	Type   ChallengeType
	Status string
}

// challengeFromInquiry extracts the nested challenge descriptor from an
// inquiry view result.
func challengeFromInquiry(result gjson.Result) (Challenge, bool) {
	if !result.Exists() {
		return Challenge{}, false
	}
	return Challenge{
		ID:     result.Get("id").String(),
		Type:   ChallengeType(result.Get("type").String()),
		Status: result.Get("status").String(),
	}, true
}

// Session tracks one verification workflow run from machine registration to
// a terminal state.
type Session struct {
	MachineID string
	StartedAt time.Time
	Deadline  time.Time
	State     State
}

// CodePrompt solicits a single verification code from the caller once an
// SMS or email challenge has been issued. Implementations must respect ctx.
type CodePrompt func(ctx context.Context, challengeType ChallengeType) (string, error)

// ConsolePrompt reads one line from stdin. It is the interactive default;
// non-interactive callers supply their own CodePrompt.
func ConsolePrompt(_ context.Context, challengeType ChallengeType) (string, error) {
	fmt.Printf("Enter the %s verification code sent to your device: ", challengeType)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read verification code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
