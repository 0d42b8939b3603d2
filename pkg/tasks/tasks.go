// Package tasks defines the wire representation of the four task kinds
// a worker executes and dispatches each to the matching
// pkg/orchestrator method. This package only owns shape and
// (de)serialization; pkg/orchestrator owns behavior.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/orchestrator"
)

// Kind values used as the "kind" discriminator on the wire.
const (
	KindCreateJail  = "create_jail"
	KindUpdatePorts = "update_ports"
	KindRunBuild    = "run_build"
	KindGetDepends  = "get_depends"
)

// ErrUnknownKind is returned by Decode when a task envelope's "kind"
// field names none of the four known task kinds.
var ErrUnknownKind = errors.New("unknown task kind")

// Task is anything a worker can run against an orchestrator, returning
// whatever the caller sees as the task's recorded result.
type Task interface {
	Kind() string
	Run(ctx context.Context, o *orchestrator.Orchestrator, taskID string) (any, error)
}

// CreateJail builds (or returns, if it already exists) the jail for
// Version.
type CreateJail struct {
	Version fbsd.FreeBSDVersion `json:"version"`
}

func (CreateJail) Kind() string { return KindCreateJail }

func (t CreateJail) Run(ctx context.Context, o *orchestrator.Orchestrator, taskID string) (any, error) {
	return o.CreateJail(ctx, taskID, t.Version)
}

// UpdatePorts fetches (or refreshes) the ports tree for Branch.
type UpdatePorts struct {
	Branch fbsd.PortsBranchVersion `json:"branch"`
}

func (UpdatePorts) Kind() string { return KindUpdatePorts }

func (t UpdatePorts) Run(ctx context.Context, o *orchestrator.Orchestrator, taskID string) (any, error) {
	return o.UpdatePorts(ctx, taskID, t.Branch)
}

// RunBuild runs a poudriere bulk build against JailVersion/PortsBranch
// for Origins (or, if empty, whatever PortjaTargets generates).
type RunBuild struct {
	JailVersion   fbsd.FreeBSDVersion     `json:"jail_version"`
	PortsBranch   fbsd.PortsBranchVersion `json:"ports_branch"`
	PortjaTargets []string                `json:"portja_targets"`
	Origins       []string                `json:"origins"`
}

func (RunBuild) Kind() string { return KindRunBuild }

func (t RunBuild) Run(ctx context.Context, o *orchestrator.Orchestrator, taskID string) (any, error) {
	return o.RunBuild(ctx, taskID, t.JailVersion, t.PortsBranch, t.PortjaTargets, t.Origins)
}

// GetDepends resolves Origin's package/dependency correlation via a
// poudriere dry-run build.
type GetDepends struct {
	JailVersion  fbsd.FreeBSDVersion     `json:"jail_version"`
	PortsBranch  fbsd.PortsBranchVersion `json:"ports_branch"`
	Origin       string                  `json:"origin"`
	PortjaTarget string                  `json:"portja_target,omitempty"`
}

func (GetDepends) Kind() string { return KindGetDepends }

func (t GetDepends) Run(ctx context.Context, o *orchestrator.Orchestrator, taskID string) (any, error) {
	return o.GetDepends(ctx, taskID, t.JailVersion, t.PortsBranch, t.Origin, t.PortjaTarget)
}

// envelope is the wire format a Task is (de)serialized through: a
// "kind" discriminator alongside the kind-specific fields.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes t as its tagged envelope, the format pkg/taskstore
// stores as a task's payload.
func Encode(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: t.Kind(), Data: data})
}

// Decode parses a task envelope back into its concrete Task type.
func Decode(payload []byte) (Task, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	switch env.Kind {
	case KindCreateJail:
		var t CreateJail
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case KindUpdatePorts:
		var t UpdatePorts
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case KindRunBuild:
		var t RunBuild
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case KindGetDepends:
		var t GetDepends
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
