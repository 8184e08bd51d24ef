package alert

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Notification struct {
	Title string
	Body  string
	URL   string
	// Tag groups notifications of one thread so a newer one replaces it.
	Tag string
}

type Sounder interface {
	// Prime runs a muted cycle so later Play calls are allowed.
	Prime(ctx context.Context) error
	Play(ctx context.Context) error
}

type Notifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
}

type NopSounder struct{}

func (NopSounder) Prime(context.Context) error { return nil }
func (NopSounder) Play(context.Context) error  { return nil }

// BellSounder rings the terminal bell.
type BellSounder struct {
	Out io.Writer
	mu  sync.Mutex
}

func (b *BellSounder) Prime(context.Context) error { return nil }

func (b *BellSounder) Play(context.Context) error {
	if b.Out == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.Out, "\a")
	return err
}

type runFunc func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// CommandSounder plays a sound by running an external player, e.g.
// `paplay /usr/share/sounds/freedesktop/stereo/message.oga`.
type CommandSounder struct {
	Path string
	Args []string

	run      runFunc
	lookPath func(string) (string, error)
}

func NewCommandSounder(command string) *CommandSounder {
	fields := strings.Fields(command)
	s := &CommandSounder{run: runCommand, lookPath: exec.LookPath}
	if len(fields) > 0 {
		s.Path = fields[0]
		s.Args = fields[1:]
	}
	return s
}

// Prime checks that the player exists without making a sound.
func (s *CommandSounder) Prime(context.Context) error {
	if s.Path == "" {
		return errors.New("no sound command configured")
	}
	_, err := s.lookPath(s.Path)
	return err
}

func (s *CommandSounder) Play(ctx context.Context) error {
	if s.Path == "" {
		return nil
	}
	return s.run(ctx, s.Path, s.Args...)
}

type NopNotifier struct{}

func (NopNotifier) Permission() Permission { return PermissionDenied }
func (NopNotifier) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, nil
}
func (NopNotifier) Show(context.Context, Notification) error { return nil }

// CommandNotifier raises desktop notifications through notify-send.
// Permission is granted once the command is found on PATH and denied
// otherwise; the decision is made once.
type CommandNotifier struct {
	Command string
	AppName string

	run      runFunc
	lookPath func(string) (string, error)

	mu    sync.Mutex
	state Permission
	path  string
}

func NewCommandNotifier(command, appName string) *CommandNotifier {
	command = strings.TrimSpace(command)
	if command == "" {
		command = "notify-send"
	}
	if strings.TrimSpace(appName) == "" {
		appName = "CareLink"
	}
	return &CommandNotifier{
		Command:  command,
		AppName:  appName,
		run:      runCommand,
		lookPath: exec.LookPath,
		state:    PermissionDefault,
	}
}

func (n *CommandNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *CommandNotifier) RequestPermission(context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != PermissionDefault {
		return n.state, nil
	}
	path, err := n.lookPath(n.Command)
	if err != nil {
		n.state = PermissionDenied
		return n.state, nil
	}
	n.path = path
	n.state = PermissionGranted
	return n.state, nil
}

func (n *CommandNotifier) Show(ctx context.Context, note Notification) error {
	n.mu.Lock()
	state, path := n.state, n.path
	n.mu.Unlock()
	if state != PermissionGranted {
		return nil
	}
	args := []string{"--app-name=" + n.AppName}
	if note.Tag != "" {
		args = append(args, "--hint=string:x-canonical-private-synchronous:"+note.Tag)
	}
	body := note.Body
	if note.URL != "" {
		body = strings.TrimSpace(body + "\n" + note.URL)
	}
	// Titles and bodies come from message text and may start with a dash.
	args = append(args, "--", note.Title)
	if body != "" {
		args = append(args, body)
	}
	return n.run(ctx, path, args...)
}
