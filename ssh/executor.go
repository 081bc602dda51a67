package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	gssh "golang.org/x/crypto/ssh"

	"skald/model"
)

// Login names tried after any known or requested user.
var fallbackUsers = []string{"root", "ubuntu", "ec2-user"}

// Target is everything needed to run one attempt on one node.
type Target struct {
	Request model.DeploymentRequest
	Node    model.Node
	Keys    []model.Key
}

type Executor struct {
	Dialer         Dialer
	CommandTimeout time.Duration // zero means unbounded
	Clock          clockwork.Clock
	Log            *zap.Logger
}

func NewExecutor(dialer Dialer, commandTimeout time.Duration, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		Dialer:         dialer,
		CommandTimeout: commandTimeout,
		Clock:          clockwork.NewRealClock(),
		Log:            log,
	}
}

// Execute opens one session with the first accepted credential, runs the
// request's command and closes the session on every path.
func (e *Executor) Execute(ctx context.Context, t Target) (model.AttemptResult, error) {
	addr := t.Node.Address()
	if addr == "" {
		return model.AttemptResult{}, fmt.Errorf("%w: node %s has no address", ErrSessionUnavailable, t.Node.ID)
	}

	creds, err := Candidates(t.Request, t.Keys, e.Log)
	if err != nil {
		return model.AttemptResult{}, err
	}
	if len(creds) == 0 {
		return model.AttemptResult{}, fmt.Errorf("%w: no usable credentials", ErrSessionUnavailable)
	}

	port := t.Request.Port
	if port == 0 {
		port = model.DefaultSSHPort
	}

	sess, err := e.open(ctx, addr, port, creds)
	if err != nil {
		return model.AttemptResult{}, err
	}
	defer sess.Close()

	runCtx := ctx
	if e.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.CommandTimeout)
		defer cancel()
	}

	start := e.Clock.Now()
	status, output, err := sess.Run(runCtx, t.Request.Command)
	elapsed := e.Clock.Since(start)
	if err != nil {
		return model.AttemptResult{Output: output, Duration: elapsed}, err
	}
	return model.AttemptResult{ExitStatus: status, Output: output, Duration: elapsed}, nil
}

func (e *Executor) open(ctx context.Context, addr string, port int, creds []Credential) (Session, error) {
	var lastErr error
	for _, cred := range creds {
		sess, err := e.Dialer.Open(ctx, addr, port, cred)
		if err == nil {
			e.Log.Debug("session opened", zap.String("addr", addr), zap.Stringer("credential", cred))
			return sess, nil
		}
		lastErr = err
		if !errors.Is(err, ErrAuthFailed) {
			// Unreachable host, no point trying other logins.
			break
		}
		e.Log.Debug("credential rejected", zap.String("addr", addr), zap.Stringer("credential", cred))
	}
	if errors.Is(lastErr, ErrSessionUnavailable) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, lastErr)
}

// Candidates lists the credentials to try, best guess first. An explicit key
// restricts the search to that key. Keys associated with the node come next,
// then the default key, then the rest. Each key is tried as the associated
// user, the requested user and the common cloud image users. A requested
// password login is tried last.
func Candidates(req model.DeploymentRequest, keys []model.Key, log *zap.Logger) ([]Credential, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var ordered []model.Key
	if req.KeyID != "" {
		for _, k := range keys {
			if k.ID == req.KeyID {
				ordered = append(ordered, k)
				break
			}
		}
		if len(ordered) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, req.KeyID)
		}
	} else {
		ordered = orderKeys(req, keys)
	}

	var creds []Credential
	for _, k := range ordered {
		signer, err := gssh.ParsePrivateKey([]byte(k.PrivateKey))
		if err != nil {
			log.Warn("skipping unparseable key", zap.String("key", k.ID), zap.Error(err))
			continue
		}
		for _, user := range usersFor(req, k) {
			creds = append(creds, Credential{User: user, KeyID: k.ID, Signer: signer})
		}
	}

	if req.Password != "" {
		user := req.Username
		if user == "" {
			user = fallbackUsers[0]
		}
		creds = append(creds, Credential{User: user, Password: req.Password})
	}
	return creds, nil
}

func orderKeys(req model.DeploymentRequest, keys []model.Key) []model.Key {
	var associated, defaults, rest []model.Key
	for _, k := range keys {
		switch _, ok := k.AssociatedWith(req.AccountID, req.NodeID); {
		case ok:
			associated = append(associated, k)
		case k.Default:
			defaults = append(defaults, k)
		default:
			rest = append(rest, k)
		}
	}
	out := append(associated, defaults...)
	return append(out, rest...)
}

func usersFor(req model.DeploymentRequest, k model.Key) []string {
	var users []string
	seen := map[string]bool{}
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		users = append(users, u)
	}
	if a, ok := k.AssociatedWith(req.AccountID, req.NodeID); ok {
		add(a.User)
	}
	add(req.Username)
	for _, u := range fallbackUsers {
		add(u)
	}
	return users
}
