package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Action names one provisioning action. The set is closed: only the constants
// below resolve to an ActionSpec.
type Action string

const (
	ActionSetupAnsible           Action = "setup-ansible"
	ActionUninstallAnsible       Action = "uninstall-ansible"
	ActionInstallKubernetes      Action = "install-kubernetes"
	ActionUninstallKubernetes    Action = "uninstall-kubernetes"
	ActionInstallAddons          Action = "install-addons"
	ActionUninstallAddons        Action = "uninstall-addons"
	ActionInstallMetricsServer   Action = "install-metrics-server"
	ActionUninstallMetricsServer Action = "uninstall-metrics-server"
	ActionInstallDocker          Action = "install-docker"
	ActionUninstallDocker        Action = "uninstall-docker"
)

// actions lists every action in catalog order.
var actions = []Action{
	ActionSetupAnsible,
	ActionUninstallAnsible,
	ActionInstallKubernetes,
	ActionUninstallKubernetes,
	ActionInstallAddons,
	ActionUninstallAddons,
	ActionInstallMetricsServer,
	ActionUninstallMetricsServer,
	ActionInstallDocker,
	ActionUninstallDocker,
}

// Family groups the install/uninstall pair that manages one resource.
type Family string

const (
	FamilyAnsible       Family = "ansible"
	FamilyKubernetes    Family = "kubernetes"
	FamilyAddons        Family = "addons"
	FamilyMetricsServer Family = "metrics-server"
	FamilyDocker        Family = "docker"
)

var familyConflicts = map[Family][]Family{
	FamilyAnsible:       {FamilyKubernetes, FamilyAddons, FamilyMetricsServer, FamilyDocker},
	FamilyKubernetes:    {FamilyAnsible, FamilyAddons, FamilyMetricsServer, FamilyDocker},
	FamilyAddons:        {FamilyAnsible, FamilyKubernetes},
	FamilyMetricsServer: {FamilyAnsible, FamilyKubernetes},
	FamilyDocker:        {FamilyAnsible, FamilyKubernetes},
}

// ConflictsWith returns the other families that must not have an active
// request on the same target while this family runs.
func (f Family) ConflictsWith() []Family {
	return slices.Clone(familyConflicts[f])
}

// Idempotency declares which end state makes an action a no-op.
type Idempotency string

const (
	// IdempotencyInstall actions are no-ops when the resource is already present.
	IdempotencyInstall Idempotency = "install"
	// IdempotencyUninstall actions are no-ops when the resource is already absent.
	IdempotencyUninstall Idempotency = "uninstall"
)

// Workspace selects the directory an action's playbook lives in.
type Workspace string

const (
	WorkspacePlaybooks Workspace = "playbooks"
	WorkspaceKubespray Workspace = "kubespray"
)

// CommandTemplate describes the ansible-playbook invocation for an action.
type CommandTemplate struct {
	Workspace Workspace
	Playbook  string
	ExtraVars map[string]string
	Become    bool
}

// Probe is a shell check run on each selected host. It prints exactly one of
// ProbePresentMarker or ProbeAbsentMarker when it reaches a definite answer
// and prints neither otherwise, so a failing sudo or an unreachable API server
// never reads as absent.
type Probe struct {
	Command string
}

const (
	ProbePresentMarker = "kubeprov-probe:present"
	ProbeAbsentMarker  = "kubeprov-probe:absent"
)

// presenceProbe wraps a test that can only fail because the resource is missing.
func presenceProbe(test string) Probe {
	return Probe{Command: "if " + test + "; then echo " + ProbePresentMarker + "; else echo " + ProbeAbsentMarker + "; fi"}
}

func binaryProbe(name string) Probe {
	return presenceProbe("command -v " + name + " >/dev/null 2>&1")
}

func fileProbe(path string) Probe {
	return presenceProbe("test -f " + path)
}

// kubectlProbe answers only when kubectl itself succeeded; --ignore-not-found
// turns a missing object into empty output instead of an error.
func kubectlProbe(kind, name string) Probe {
	return Probe{Command: "out=$(sudo -n kubectl --kubeconfig " + kubeconfig + " -n kube-system get " + kind + " " + name +
		" --ignore-not-found -o name) || exit 3; " +
		`if [ -n "$out" ]; then echo ` + ProbePresentMarker + "; else echo " + ProbeAbsentMarker + "; fi"}
}

// ActionSpec is the static description of one action.
type ActionSpec struct {
	Action        Action
	Endpoint      string
	Family        Family
	Idempotency   Idempotency
	Description   string
	Command       CommandTemplate
	Hosts         HostSelector
	ConflictsWith []Family
	Probe         Probe
}

// Families returns the action's own family followed by its conflicting families.
func (s ActionSpec) Families() []Family {
	return append([]Family{s.Family}, s.ConflictsWith...)
}

// ErrUnknownAction is matched by UnknownActionError via errors.Is.
var ErrUnknownAction = errors.New("catalog: unknown action")

// UnknownActionError reports a name that is neither an action nor an endpoint.
type UnknownActionError struct {
	Name string
}

func (e UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

func (e UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}

const (
	kubeconfig   = "/etc/kubernetes/admin.conf"
	controlPlane = "kube_control_plane"
)

// spec is exhaustive over the Action constants; the catalog test walks every
// constant through it.
func (a Action) spec() (ActionSpec, bool) {
	switch a {
	case ActionSetupAnsible:
		return ActionSpec{
			Endpoint:    "setup-ansible",
			Family:      FamilyAnsible,
			Idempotency: IdempotencyInstall,
			Description: "install Ansible tooling on the node-group",
			Command:     CommandTemplate{Workspace: WorkspacePlaybooks, Playbook: "setup-ansible.yml", Become: true},
			Probe:       binaryProbe("ansible-playbook"),
		}, true
	case ActionUninstallAnsible:
		return ActionSpec{
			Endpoint:    "uninstall-ansible",
			Family:      FamilyAnsible,
			Idempotency: IdempotencyUninstall,
			Description: "remove Ansible tooling from the node-group",
			Command:     CommandTemplate{Workspace: WorkspacePlaybooks, Playbook: "uninstall-ansible.yml", Become: true},
			Probe:       binaryProbe("ansible-playbook"),
		}, true
	case ActionInstallKubernetes:
		return ActionSpec{
			Endpoint:    "install-kubernetes-kubespray",
			Family:      FamilyKubernetes,
			Idempotency: IdempotencyInstall,
			Description: "bootstrap Kubernetes with Kubespray",
			Command:     CommandTemplate{Workspace: WorkspaceKubespray, Playbook: "cluster.yml", Become: true},
			Probe:       fileProbe("/etc/kubernetes/kubelet.conf"),
		}, true
	case ActionUninstallKubernetes:
		return ActionSpec{
			Endpoint:    "uninstall-kubernetes-kubespray",
			Family:      FamilyKubernetes,
			Idempotency: IdempotencyUninstall,
			Description: "tear down Kubernetes with the Kubespray reset playbook",
			Command: CommandTemplate{
				Workspace: WorkspaceKubespray,
				Playbook:  "reset.yml",
				ExtraVars: map[string]string{"reset_confirmation": "yes"},
				Become:    true,
			},
			Probe: fileProbe("/etc/kubernetes/kubelet.conf"),
		}, true
	case ActionInstallAddons:
		return ActionSpec{
			Endpoint:    "install-k8s-addons",
			Family:      FamilyAddons,
			Idempotency: IdempotencyInstall,
			Description: "install cluster add-ons",
			Command: CommandTemplate{
				Workspace: WorkspacePlaybooks,
				Playbook:  "k8s-addons.yml",
				ExtraVars: map[string]string{"addons_state": "present"},
				Become:    true,
			},
			Hosts: HostSelector{Role: controlPlane, FirstOnly: true},
			Probe: kubectlProbe("configmap", "kubeprov-addons"),
		}, true
	case ActionUninstallAddons:
		return ActionSpec{
			Endpoint:    "uninstall-k8s-addons",
			Family:      FamilyAddons,
			Idempotency: IdempotencyUninstall,
			Description: "remove cluster add-ons",
			Command: CommandTemplate{
				Workspace: WorkspacePlaybooks,
				Playbook:  "k8s-addons.yml",
				ExtraVars: map[string]string{"addons_state": "absent"},
				Become:    true,
			},
			Hosts: HostSelector{Role: controlPlane, FirstOnly: true},
			Probe: kubectlProbe("configmap", "kubeprov-addons"),
		}, true
	case ActionInstallMetricsServer:
		return ActionSpec{
			Endpoint:    "install-metrics-server",
			Family:      FamilyMetricsServer,
			Idempotency: IdempotencyInstall,
			Description: "install the metrics server",
			Command: CommandTemplate{
				Workspace: WorkspacePlaybooks,
				Playbook:  "metrics-server.yml",
				ExtraVars: map[string]string{"metrics_server_state": "present"},
				Become:    true,
			},
			Hosts: HostSelector{Role: controlPlane, FirstOnly: true},
			Probe: kubectlProbe("deployment", "metrics-server"),
		}, true
	case ActionUninstallMetricsServer:
		return ActionSpec{
			Endpoint:    "uninstall-metrics-server",
			Family:      FamilyMetricsServer,
			Idempotency: IdempotencyUninstall,
			Description: "remove the metrics server",
			Command: CommandTemplate{
				Workspace: WorkspacePlaybooks,
				Playbook:  "metrics-server.yml",
				ExtraVars: map[string]string{"metrics_server_state": "absent"},
				Become:    true,
			},
			Hosts: HostSelector{Role: controlPlane, FirstOnly: true},
			Probe: kubectlProbe("deployment", "metrics-server"),
		}, true
	case ActionInstallDocker:
		return ActionSpec{
			Endpoint:    "install-docker",
			Family:      FamilyDocker,
			Idempotency: IdempotencyInstall,
			Description: "install the Docker container runtime",
			Command:     CommandTemplate{Workspace: WorkspacePlaybooks, Playbook: "install-docker.yml", Become: true},
			Probe:       binaryProbe("docker"),
		}, true
	case ActionUninstallDocker:
		return ActionSpec{
			Endpoint:    "uninstall-docker",
			Family:      FamilyDocker,
			Idempotency: IdempotencyUninstall,
			Description: "remove the Docker container runtime",
			Command:     CommandTemplate{Workspace: WorkspacePlaybooks, Playbook: "uninstall-docker.yml", Become: true},
			Probe:       binaryProbe("docker"),
		}, true
	default:
		return ActionSpec{}, false
	}
}

var (
	byName     = map[string]Action{}
	byEndpoint = map[string]Action{}
)

func init() {
	for _, a := range actions {
		s, ok := a.spec()
		if !ok {
			panic(fmt.Sprintf("catalog: action %q has no spec", a))
		}
		if _, dup := byEndpoint[s.Endpoint]; dup {
			panic(fmt.Sprintf("catalog: duplicate endpoint %q", s.Endpoint))
		}
		byName[string(a)] = a
		byEndpoint[s.Endpoint] = a
	}
}

// Valid reports whether a is one of the catalog actions.
func (a Action) Valid() bool {
	_, ok := byName[string(a)]
	return ok
}

// Spec returns the action's spec. Unknown actions yield UnknownActionError.
func (a Action) Spec() (ActionSpec, error) {
	s, ok := a.spec()
	if !ok {
		return ActionSpec{}, UnknownActionError{Name: string(a)}
	}
	s.Action = a
	s.ConflictsWith = s.Family.ConflictsWith()
	s.Command.ExtraVars = maps.Clone(s.Command.ExtraVars)
	return s, nil
}

// Resolve looks an action up by its catalog name.
func Resolve(name string) (ActionSpec, error) {
	a, ok := byName[name]
	if !ok {
		return ActionSpec{}, UnknownActionError{Name: name}
	}
	return a.Spec()
}

// ResolveEndpoint looks an action up by its HTTP endpoint segment, falling
// back to the catalog name.
func ResolveEndpoint(endpoint string) (ActionSpec, error) {
	if a, ok := byEndpoint[endpoint]; ok {
		return a.Spec()
	}
	return Resolve(endpoint)
}

// All returns every action spec in catalog order.
func All() []ActionSpec {
	specs := make([]ActionSpec, 0, len(actions))
	for _, a := range actions {
		s, _ := a.Spec()
		specs = append(specs, s)
	}
	return specs
}
