// Package shell is the reference command-driven backend adapter: every
// lifecycle operation is a configured command executed on the target
// system over SSH. It exists both as a usable integration path for
// script-driven backends and as the model implementation of the adapter
// contract.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crossgate/crossgate/pkg/engine"
)

// Type is the backend-type string the adapter registers under.
const Type = "shell"

// Commands holds the configured command lines. Create, update and delete
// are required; the rest enable optional capabilities.
type Commands struct {
	Create       string
	Update       string
	Delete       string
	Check        string
	Usage        string
	Resolve      string
	AddMember    string
	RemoveMember string
	ListMembers  string
}

// Adapter runs templated commands over a Runner. Each command receives its
// input as a JSON document in the CROSSGATE_INPUT environment variable and
// answers on stdout:
//
//	create/update/delete  backend id, or "PENDING" / "PENDING <correlation id>";
//	                      a bare "PENDING" makes the adapter correlate by the
//	                      order id (create) or backend id (update/delete), the
//	                      same key the script received in its input
//	check                 "DONE <backend id>", "DONE" or "PENDING"
//	usage                 {"components": {...}, "per_user": {...}}
//	resolve               {"status": ..., "username": ..., "link": ..., "reason": ...}
//
// A non-zero exit is a deterministic backend failure; transport problems
// surface as transient errors from the runner.
type Adapter struct {
	runner   Runner
	commands Commands
}

// New creates the adapter from offering settings. Used as the registry
// factory for the shell backend type.
func New(settings map[string]string) (engine.Backend, error) {
	port := 0
	if raw := settings["port"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("invalid ssh port %q", raw), err).
				WithCode(engine.ErrCodeValidation)
		}
		port = parsed
	}
	connectTimeout, err := optionalDuration(settings, "connect_timeout")
	if err != nil {
		return nil, err
	}
	commandTimeout, err := optionalDuration(settings, "command_timeout")
	if err != nil {
		return nil, err
	}

	runner, err := NewSSHRunner(SSHConfig{
		Host:           settings["host"],
		Port:           port,
		User:           settings["user"],
		PrivateKeyPath: settings["private_key"],
		Password:       settings["password"],
		KnownHostsPath: settings["known_hosts"],
		ConnectTimeout: connectTimeout,
		CommandTimeout: commandTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewWithRunner(runner, commandsFromSettings(settings))
}

// NewWithRunner creates the adapter over an explicit runner. Tests use
// this with an in-memory runner.
func NewWithRunner(runner Runner, commands Commands) (*Adapter, error) {
	if commands.Create == "" || commands.Update == "" || commands.Delete == "" {
		return nil, engine.NewConfigurationError(
			"shell backend requires create_cmd, update_cmd and delete_cmd", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return &Adapter{runner: runner, commands: commands}, nil
}

func commandsFromSettings(settings map[string]string) Commands {
	return Commands{
		Create:       settings["create_cmd"],
		Update:       settings["update_cmd"],
		Delete:       settings["delete_cmd"],
		Check:        settings["check_cmd"],
		Usage:        settings["usage_cmd"],
		Resolve:      settings["resolve_cmd"],
		AddMember:    settings["add_member_cmd"],
		RemoveMember: settings["remove_member_cmd"],
		ListMembers:  settings["list_members_cmd"],
	}
}

func optionalDuration(settings map[string]string, key string) (time.Duration, error) {
	raw := settings[key]
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, engine.NewConfigurationError(
			fmt.Sprintf("invalid duration %q for %s", raw, key), err).
			WithCode(engine.ErrCodeValidation)
	}
	return d, nil
}

func (a *Adapter) Type() string { return Type }

// Create implements engine.OrderBackend.
func (a *Adapter) Create(ctx context.Context, order *engine.Order) (*engine.ProvisionResult, error) {
	stdout, err := a.run(ctx, a.commands.Create, map[string]interface{}{
		"order_id":    order.ID,
		"resource_id": order.ResourceID,
		"project_id":  order.ProjectID,
		"limits":      order.Limits,
		"attributes":  order.Attributes,
	})
	if err != nil {
		return nil, err
	}
	return parseProvisionOutput(stdout, order.ID)
}

// Update implements engine.OrderBackend.
func (a *Adapter) Update(ctx context.Context, backendID string, limits map[string]float64) (*engine.ProvisionResult, error) {
	stdout, err := a.run(ctx, a.commands.Update, map[string]interface{}{
		"backend_id": backendID,
		"limits":     limits,
	})
	if err != nil {
		return nil, err
	}
	result, err := parseProvisionOutput(stdout, backendID)
	if err != nil {
		return nil, err
	}
	if result.BackendID == "" && result.CorrelationID == "" {
		// Updates may print nothing on immediate success.
		result.BackendID = backendID
	}
	return result, nil
}

// Delete implements engine.OrderBackend.
func (a *Adapter) Delete(ctx context.Context, backendID string) (*engine.ProvisionResult, error) {
	stdout, err := a.run(ctx, a.commands.Delete, map[string]interface{}{
		"backend_id": backendID,
	})
	if err != nil {
		return nil, err
	}
	result, err := parseProvisionOutput(stdout, backendID)
	if err != nil {
		return nil, err
	}
	if result.CorrelationID == "" {
		// Deletion needs no backend id on completion.
		result.BackendID = ""
	}
	return result, nil
}

// CheckPending implements engine.OrderBackend. Without a configured check
// command, pending operations never resolve, so the adapter refuses to
// report them as pending in the first place; parseProvisionOutput already
// guards that.
func (a *Adapter) CheckPending(ctx context.Context, correlationID string) (bool, string, error) {
	if a.commands.Check == "" {
		return false, "", engine.NewConfigurationError(
			"shell backend has no check_cmd for delegated operations", nil).
			WithOperation("check_pending")
	}
	stdout, err := a.run(ctx, a.commands.Check, map[string]interface{}{
		"correlation_id": correlationID,
	})
	if err != nil {
		return false, "", err
	}

	line := firstLine(stdout)
	switch {
	case line == "PENDING":
		return false, "", nil
	case line == "DONE":
		return true, "", nil
	case strings.HasPrefix(line, "DONE "):
		return true, strings.TrimSpace(strings.TrimPrefix(line, "DONE ")), nil
	default:
		return false, "", engine.NewBackendError(
			fmt.Sprintf("check command printed unexpected output %q", line), nil).
			WithCode(engine.ErrCodeBackendFailed)
	}
}

// Usage implements engine.UsageReporter when a usage command is
// configured.
func (a *Adapter) Usage(ctx context.Context, backendID, period string) (map[string]float64, map[string]map[string]float64, error) {
	if a.commands.Usage == "" {
		return nil, nil, engine.NewConfigurationError("shell backend has no usage_cmd", nil).
			WithOperation("usage")
	}
	stdout, err := a.run(ctx, a.commands.Usage, map[string]interface{}{
		"backend_id": backendID,
		"period":     period,
	})
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Components map[string]float64            `json:"components"`
		PerUser    map[string]map[string]float64 `json:"per_user"`
	}
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return nil, nil, engine.NewBackendError("usage command printed malformed JSON", err).
			WithCode(engine.ErrCodeBackendFailed)
	}
	return payload.Components, payload.PerUser, nil
}

// ResolveIdentity implements engine.IdentityBackend when a resolve command
// is configured.
func (a *Adapter) ResolveIdentity(ctx context.Context, user *engine.OfferingUser) (engine.Resolution, error) {
	if a.commands.Resolve == "" {
		return engine.Resolution{}, engine.NewConfigurationError(
			"shell backend has no resolve_cmd", nil).
			WithOperation("resolve_identity")
	}
	stdout, err := a.run(ctx, a.commands.Resolve, map[string]interface{}{
		"offering_user_id": user.ID,
		"user_id":          user.UserID,
		"username":         user.Username,
	})
	if err != nil {
		return engine.Resolution{}, err
	}

	var payload struct {
		Status   string `json:"status"`
		Username string `json:"username"`
		Link     string `json:"link"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return engine.Resolution{}, engine.NewBackendError(
			"resolve command printed malformed JSON", err).
			WithCode(engine.ErrCodeBackendFailed)
	}

	switch payload.Status {
	case "resolved":
		return engine.Resolution{Status: engine.ResolutionResolved, Username: payload.Username}, nil
	case "needs_linking":
		return engine.Resolution{Status: engine.ResolutionNeedsLinking, Link: payload.Link}, nil
	case "needs_validation":
		return engine.Resolution{Status: engine.ResolutionNeedsValidation, Link: payload.Link}, nil
	case "failed":
		return engine.Resolution{Status: engine.ResolutionFailed, Reason: payload.Reason}, nil
	default:
		return engine.Resolution{}, engine.NewBackendError(
			fmt.Sprintf("resolve command returned unknown status %q", payload.Status), nil).
			WithCode(engine.ErrCodeBackendFailed)
	}
}

// AddMember implements engine.MembershipBackend when configured.
func (a *Adapter) AddMember(ctx context.Context, backendID, username string) error {
	if a.commands.AddMember == "" {
		return engine.NewConfigurationError("shell backend has no add_member_cmd", nil).
			WithOperation("add_member")
	}
	_, err := a.run(ctx, a.commands.AddMember, map[string]interface{}{
		"backend_id": backendID,
		"username":   username,
	})
	return err
}

// RemoveMember implements engine.MembershipBackend when configured.
func (a *Adapter) RemoveMember(ctx context.Context, backendID, username string) error {
	if a.commands.RemoveMember == "" {
		return engine.NewConfigurationError("shell backend has no remove_member_cmd", nil).
			WithOperation("remove_member")
	}
	_, err := a.run(ctx, a.commands.RemoveMember, map[string]interface{}{
		"backend_id": backendID,
		"username":   username,
	})
	return err
}

// ListMembers implements engine.MembershipBackend when configured.
func (a *Adapter) ListMembers(ctx context.Context, backendID string) ([]string, error) {
	if a.commands.ListMembers == "" {
		return nil, engine.NewConfigurationError("shell backend has no list_members_cmd", nil).
			WithOperation("list_members")
	}
	stdout, err := a.run(ctx, a.commands.ListMembers, map[string]interface{}{
		"backend_id": backendID,
	})
	if err != nil {
		return nil, err
	}

	var members []string
	for _, line := range strings.Split(stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			members = append(members, trimmed)
		}
	}
	return members, nil
}

// run executes one configured command with its JSON input in the
// environment.
func (a *Adapter) run(ctx context.Context, command string, input map[string]interface{}) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command input: %w", err)
	}
	full := fmt.Sprintf("CROSSGATE_INPUT=%s %s", singleQuote(string(payload)), command)

	stdout, stderr, err := a.runner.Run(ctx, full)
	if err != nil {
		var agentErr *engine.AgentError
		if e, ok := err.(*engine.AgentError); ok {
			agentErr = e
		}
		if agentErr != nil && agentErr.Class == engine.ErrorClassBackend && strings.TrimSpace(stderr) != "" {
			return "", engine.NewBackendError(strings.TrimSpace(stderr), err).
				WithCode(engine.ErrCodeBackendFailed)
		}
		return "", err
	}
	return stdout, nil
}

// parseProvisionOutput interprets a lifecycle command's stdout. A bare
// "PENDING" falls back to the caller-supplied correlation id so the check
// command can later find the operation by the same key the script saw in
// its input.
func parseProvisionOutput(stdout, fallbackCorrelationID string) (*engine.ProvisionResult, error) {
	line := firstLine(stdout)
	switch {
	case line == "PENDING":
		return &engine.ProvisionResult{CorrelationID: fallbackCorrelationID}, nil
	case strings.HasPrefix(line, "PENDING "):
		return &engine.ProvisionResult{
			CorrelationID: strings.TrimSpace(strings.TrimPrefix(line, "PENDING ")),
		}, nil
	default:
		return &engine.ProvisionResult{BackendID: line}, nil
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// singleQuote shell-quotes a string for the command line.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
