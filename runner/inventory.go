package runner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// Kubespray composes k8s_cluster from these groups.
var clusterGroups = []string{"kube_control_plane", "kube_node"}

// Inventory is an Ansible YAML inventory rooted at the all group.
type Inventory struct {
	All InventoryGroup `yaml:"all"`
}

type InventoryGroup struct {
	Hosts    map[string]InventoryHost  `yaml:"hosts,omitempty"`
	Children map[string]InventoryGroup `yaml:"children,omitempty"`
}

type InventoryHost struct {
	AnsibleHost string `yaml:"ansible_host,omitempty"`
}

// BuildInventory lists every host of the target under all and groups hosts by role.
func BuildInventory(target catalog.Target) Inventory {
	inv := Inventory{All: InventoryGroup{
		Hosts:    make(map[string]InventoryHost, len(target.Hosts)),
		Children: make(map[string]InventoryGroup),
	}}

	for _, host := range target.Hosts {
		inv.All.Hosts[host.Name] = InventoryHost{AnsibleHost: host.Address}
		for _, role := range host.Roles {
			group := inv.All.Children[role]
			if group.Hosts == nil {
				group.Hosts = make(map[string]InventoryHost)
			}
			group.Hosts[host.Name] = InventoryHost{}
			inv.All.Children[role] = group
		}
	}

	cluster := InventoryGroup{Children: make(map[string]InventoryGroup)}
	for _, name := range clusterGroups {
		if _, ok := inv.All.Children[name]; ok {
			cluster.Children[name] = InventoryGroup{}
		}
	}
	if len(cluster.Children) > 0 {
		inv.All.Children["k8s_cluster"] = cluster
	}
	if len(inv.All.Children) == 0 {
		inv.All.Children = nil
	}
	return inv
}

func (inv Inventory) ToYAML() ([]byte, error) {
	return yaml.Marshal(inv)
}

// writeInventory renders the target's inventory into a temporary file.
func writeInventory(dir string, target catalog.Target) (string, error) {
	data, err := BuildInventory(target).ToYAML()
	if err != nil {
		return "", fmt.Errorf("render inventory: %w", err)
	}

	file, err := os.CreateTemp(dir, "kubeprov-inventory-*.yml")
	if err != nil {
		return "", err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}
