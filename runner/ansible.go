package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apenella/go-ansible/v2/pkg/playbook"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

const defaultAnsibleBinary = "ansible-playbook"

// AnsibleConfig locates the playbook workspaces and connection settings.
type AnsibleConfig struct {
	Binary       string
	PlaybookDir  string
	KubesprayDir string
	User         string
	PrivateKey   string
	// Become gates privilege escalation for actions that request it.
	Become  bool
	TempDir string
}

// AnsibleBuilder renders catalog actions as ansible-playbook command lines.
type AnsibleBuilder struct {
	cfg AnsibleConfig
}

func NewAnsibleBuilder(cfg AnsibleConfig) *AnsibleBuilder {
	if cfg.Binary == "" {
		cfg.Binary = defaultAnsibleBinary
	}
	return &AnsibleBuilder{cfg: cfg}
}

var _ CommandBuilder = (*AnsibleBuilder)(nil)

func (b *AnsibleBuilder) Build(inv Invocation) (Command, func(), error) {
	noop := func() {}
	tmpl := inv.Spec.Command

	dir, err := b.workspace(tmpl.Workspace)
	if err != nil {
		return Command{}, noop, err
	}
	playbookPath := filepath.Join(dir, tmpl.Playbook)
	if _, err := os.Stat(playbookPath); err != nil {
		return Command{}, noop, ToolingUnavailableError{Tool: "playbook " + tmpl.Playbook, Err: err}
	}

	if len(inv.Target.Select(inv.Spec.Hosts)) == 0 {
		return Command{}, noop, LaunchError{Err: fmt.Errorf("target %s has no hosts matching %q", inv.Target.ID, inv.Spec.Hosts.Limit())}
	}

	inventoryPath, err := writeInventory(b.cfg.TempDir, inv.Target)
	if err != nil {
		return Command{}, noop, LaunchError{Err: err}
	}
	cleanup := func() { _ = os.Remove(inventoryPath) }

	extraVars := map[string]interface{}{
		"kubeprov_target": inv.Target.ID,
		"kubeprov_action": string(inv.Spec.Action),
	}
	for k, v := range tmpl.ExtraVars {
		extraVars[k] = v
	}

	cmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithBinary(b.cfg.Binary),
		playbook.WithPlaybooks(playbookPath),
		playbook.WithPlaybookOptions(&playbook.AnsiblePlaybookOptions{
			Inventory:  inventoryPath,
			Limit:      inv.Spec.Hosts.Limit(),
			ExtraVars:  extraVars,
			Become:     tmpl.Become && b.cfg.Become,
			User:       b.cfg.User,
			PrivateKey: b.cfg.PrivateKey,
		}),
	)
	argv, err := cmd.Command()
	if err != nil {
		cleanup()
		return Command{}, noop, LaunchError{Err: fmt.Errorf("render ansible-playbook command: %w", err)}
	}

	return Command{
		Path: argv[0],
		Args: argv[1:],
		Dir:  dir,
		Env: []string{
			"ANSIBLE_NOCOLOR=1",
			"ANSIBLE_FORCE_COLOR=false",
			"ANSIBLE_RETRY_FILES_ENABLED=false",
			"PYTHONUNBUFFERED=1",
		},
	}, cleanup, nil
}

func (b *AnsibleBuilder) workspace(ws catalog.Workspace) (string, error) {
	var dir string
	switch ws {
	case catalog.WorkspaceKubespray:
		dir = b.cfg.KubesprayDir
	default:
		dir = b.cfg.PlaybookDir
	}
	if dir == "" {
		return "", ToolingUnavailableError{Tool: string(ws) + " workspace", Err: errors.New("directory not configured")}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", ToolingUnavailableError{Tool: string(ws) + " workspace", Err: err}
	}
	if !info.IsDir() {
		return "", ToolingUnavailableError{Tool: string(ws) + " workspace", Err: fmt.Errorf("%s is not a directory", dir)}
	}
	return dir, nil
}
