package cliexec

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"
)

// Clients bundles the typed façades over the sub-binaries. binDir is
// prepended to every binary name; empty means $PATH resolution.
type Clients struct {
	BR   *BRClient
	RU   *RUClient
	CAAM *CAAMClient
	DCG  *DCGClient
	PT   *PTClient
}

// NewClients wires all façades onto one runner.
func NewClients(runner Runner, binDir string, timeout time.Duration) *Clients {
	bin := func(name string) string {
		if binDir == "" {
			return name
		}
		return filepath.Join(binDir, name)
	}
	opts := RunOptions{Timeout: timeout}
	return &Clients{
		BR:   &BRClient{runner: runner, binary: bin("br"), opts: opts},
		RU:   &RUClient{runner: runner, binary: bin("ru"), opts: opts},
		CAAM: &CAAMClient{runner: runner, binary: bin("caam"), opts: opts},
		DCG:  &DCGClient{runner: runner, binary: bin("dcg"), opts: opts},
		PT:   &PTClient{runner: runner, binary: bin("pt"), opts: opts},
	}
}

// BRClient drives the branch/repository tool the git-sync scheduler
// dispatches to.
type BRClient struct {
	runner Runner
	binary string
	opts   RunOptions
}

// SyncOutcome is br's result document for a sync operation.
type SyncOutcome struct {
	Success       bool   `json:"success"`
	CommitsAhead  int    `json:"commitsAhead,omitempty"`
	CommitsBehind int    `json:"commitsBehind,omitempty"`
	HeadSHA       string `json:"headSha,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Sync runs one git operation (pull, push, fetch, rebase, merge)
// against a repository checkout.
func (c *BRClient) Sync(ctx context.Context, operation, repoPath, branch string) (*SyncOutcome, error) {
	data, err := Invoke(ctx, c.runner, c.binary,
		[]string{operation, "--repo", repoPath, "--branch", branch}, c.opts)
	if err != nil {
		return nil, err
	}
	var out SyncOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return &out, nil
}

// RUClient queries repository and workspace state.
type RUClient struct {
	runner Runner
	binary string
	opts   RunOptions
}

// RepoStatus is ru's status document.
type RepoStatus struct {
	Branch     string `json:"branch"`
	Dirty      bool   `json:"dirty"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
	LastCommit string `json:"lastCommit,omitempty"`
}

// Status reports the working-tree state of a checkout.
func (c *RUClient) Status(ctx context.Context, repoPath string) (*RepoStatus, error) {
	data, err := Invoke(ctx, c.runner, c.binary, []string{"status", "--repo", repoPath}, c.opts)
	if err != nil {
		return nil, err
	}
	var out RepoStatus
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return &out, nil
}

// CAAMClient talks to the provider-side credential tool for operations
// the gateway cannot do in-process (browser auth, token verification).
type CAAMClient struct {
	runner Runner
	binary string
	opts   RunOptions
}

// VerifyResult is caam's verification document.
type VerifyResult struct {
	Verified  bool   `json:"verified"`
	Account   string `json:"account,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Verify checks that a profile's stored credentials still work against
// the provider.
func (c *CAAMClient) Verify(ctx context.Context, provider, profileName string) (*VerifyResult, error) {
	data, err := Invoke(ctx, c.runner, c.binary,
		[]string{"verify", "--provider", provider, "--profile", profileName}, c.opts)
	if err != nil {
		return nil, err
	}
	var out VerifyResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return &out, nil
}

// Link starts the provider auth flow for a profile and reports whether
// credentials landed.
func (c *CAAMClient) Link(ctx context.Context, provider, profileName, authMode string) (*VerifyResult, error) {
	data, err := Invoke(ctx, c.runner, c.binary,
		[]string{"link", "--provider", provider, "--profile", profileName, "--auth-mode", authMode}, c.opts)
	if err != nil {
		return nil, err
	}
	var out VerifyResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return &out, nil
}

// DCGClient runs the guard's own scanner binary, used by producers
// that intercept commands outside the gateway process.
type DCGClient struct {
	runner Runner
	binary string
	opts   RunOptions
}

// ScanResult is dcg's scan document.
type ScanResult struct {
	Blocked  bool   `json:"blocked"`
	RuleID   string `json:"ruleId,omitempty"`
	Pack     string `json:"pack,omitempty"`
	Severity string `json:"severity,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Scan evaluates a command against the installed packs.
func (c *DCGClient) Scan(ctx context.Context, command string) (*ScanResult, error) {
	data, err := Invoke(ctx, c.runner, c.binary, []string{"scan", "--command", command}, c.opts)
	if err != nil {
		return nil, err
	}
	var out ScanResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return &out, nil
}

// PTClient inspects agent processes.
type PTClient struct {
	runner Runner
	binary string
	opts   RunOptions
}

// ProcessInfo is one entry of pt's listing.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	AgentID string `json:"agentId"`
	Command string `json:"command"`
	State   string `json:"state"`
}

// List returns the agent processes pt can see.
func (c *PTClient) List(ctx context.Context) ([]ProcessInfo, error) {
	data, err := Invoke(ctx, c.runner, c.binary, []string{"list"}, c.opts)
	if err != nil {
		return nil, err
	}
	var out []ProcessInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, parseFailure(c.binary, err)
	}
	return out, nil
}
