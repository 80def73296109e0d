package runner

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

func testTarget() catalog.Target {
	return catalog.Target{
		ID:   "backend-a",
		Kind: catalog.TargetKindBackend,
		Hosts: []catalog.Host{
			{Name: "cp1", Address: "10.0.0.1", Roles: []string{"kube_control_plane", "etcd"}},
			{Name: "w1", Address: "10.0.0.2", Roles: []string{"kube_node"}},
		},
	}
}

func writePlaybook(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("- hosts: all\n"), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
}

func TestAnsibleBuilderKubesprayReset(t *testing.T) {
	kubespray := t.TempDir()
	writePlaybook(t, kubespray, "reset.yml")
	tmp := t.TempDir()

	builder := NewAnsibleBuilder(AnsibleConfig{
		KubesprayDir: kubespray,
		PlaybookDir:  t.TempDir(),
		User:         "deploy",
		Become:       true,
		TempDir:      tmp,
	})
	spec, _ := catalog.ActionUninstallKubernetes.Spec()

	cmd, cleanup, err := builder.Build(Invocation{Spec: spec, Target: testTarget()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if filepath.Base(cmd.Path) != "ansible-playbook" {
		t.Fatalf("unexpected binary %q", cmd.Path)
	}
	if cmd.Dir != kubespray {
		t.Fatalf("expected kubespray workdir, got %q", cmd.Dir)
	}
	if !slices.Contains(cmd.Args, filepath.Join(kubespray, "reset.yml")) {
		t.Fatalf("playbook missing from args %v", cmd.Args)
	}
	if !slices.Contains(cmd.Args, "deploy") {
		t.Fatalf("user missing from args %v", cmd.Args)
	}
	joined := strings.Join(cmd.Args, " ")
	if !strings.Contains(joined, "reset_confirmation") || !strings.Contains(joined, "backend-a") {
		t.Fatalf("extra vars missing from args %v", cmd.Args)
	}

	inventories, _ := filepath.Glob(filepath.Join(tmp, "kubeprov-inventory-*.yml"))
	if len(inventories) != 1 || !slices.Contains(cmd.Args, inventories[0]) {
		t.Fatalf("expected inventory file passed in args, got %v / %v", inventories, cmd.Args)
	}

	cleanup()
	if _, err := os.Stat(inventories[0]); !os.IsNotExist(err) {
		t.Fatalf("expected inventory removed, got %v", err)
	}
}

func TestAnsibleBuilderLimitsControlPlaneActions(t *testing.T) {
	playbooks := t.TempDir()
	writePlaybook(t, playbooks, "metrics-server.yml")

	builder := NewAnsibleBuilder(AnsibleConfig{PlaybookDir: playbooks, TempDir: t.TempDir()})
	spec, _ := catalog.ActionInstallMetricsServer.Spec()

	cmd, cleanup, err := builder.Build(Invocation{Spec: spec, Target: testTarget()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()

	if !slices.Contains(cmd.Args, "kube_control_plane[0]") {
		t.Fatalf("expected limit in args %v", cmd.Args)
	}
}

func TestAnsibleBuilderMissingWorkspace(t *testing.T) {
	builder := NewAnsibleBuilder(AnsibleConfig{PlaybookDir: t.TempDir()})
	spec, _ := catalog.ActionInstallKubernetes.Spec()

	_, _, err := builder.Build(Invocation{Spec: spec, Target: testTarget()})
	if !errors.Is(err, ErrToolingUnavailable) {
		t.Fatalf("expected tooling unavailable, got %v", err)
	}
}

func TestAnsibleBuilderMissingPlaybook(t *testing.T) {
	builder := NewAnsibleBuilder(AnsibleConfig{PlaybookDir: t.TempDir()})
	spec, _ := catalog.ActionInstallDocker.Spec()

	_, _, err := builder.Build(Invocation{Spec: spec, Target: testTarget()})
	if !errors.Is(err, ErrToolingUnavailable) {
		t.Fatalf("expected tooling unavailable, got %v", err)
	}
}

func TestAnsibleBuilderNoMatchingHosts(t *testing.T) {
	playbooks := t.TempDir()
	writePlaybook(t, playbooks, "k8s-addons.yml")
	builder := NewAnsibleBuilder(AnsibleConfig{PlaybookDir: playbooks})
	spec, _ := catalog.ActionInstallAddons.Spec()

	target := catalog.Target{ID: "frontend-a", Kind: catalog.TargetKindFrontend, Hosts: []catalog.Host{{Name: "web1", Address: "10.1.0.1"}}}
	_, _, err := builder.Build(Invocation{Spec: spec, Target: target})
	var launch LaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("expected launch error, got %v", err)
	}
}

func TestBuildInventoryGroupsByRole(t *testing.T) {
	data, err := BuildInventory(testTarget()).ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}

	var decoded Inventory
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.All.Hosts["cp1"].AnsibleHost != "10.0.0.1" {
		t.Fatalf("unexpected hosts %+v", decoded.All.Hosts)
	}
	if _, ok := decoded.All.Children["etcd"].Hosts["cp1"]; !ok {
		t.Fatalf("expected cp1 in etcd group: %s", data)
	}
	cluster, ok := decoded.All.Children["k8s_cluster"]
	if !ok {
		t.Fatalf("expected k8s_cluster group: %s", data)
	}
	if _, ok := cluster.Children["kube_node"]; !ok {
		t.Fatalf("expected kube_node under k8s_cluster: %s", data)
	}
}

func TestBuildInventoryWithoutRoles(t *testing.T) {
	target := catalog.Target{ID: "frontend-a", Hosts: []catalog.Host{{Name: "web1", Address: "10.1.0.1"}}}
	inv := BuildInventory(target)
	if inv.All.Children != nil {
		t.Fatalf("expected no groups, got %+v", inv.All.Children)
	}
}
