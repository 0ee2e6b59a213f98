// Package cloudinit builds the boot-time configuration consumed by freshly
// provisioned machines: users with trusted SSH keys, package repositories,
// and optionally an embedded keypair plus static ssh_config host aliases so
// a steering machine can reach its target by name.
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document accumulates cloud-config content. The zero value is usable;
// methods return the document for chaining.
type Document struct {
	repos   map[string]repoEntry
	users   []userEntry
	keypair *keypairEntry
	aliases []hostAlias
}

type repoEntry struct {
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"baseurl"`
	Enabled  bool   `yaml:"enabled"`
	GPGCheck bool   `yaml:"gpgcheck"`
}

type userEntry struct {
	Name              string   `yaml:"user"`
	Password          string   `yaml:"password"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	Chpasswd          chpasswd `yaml:"chpasswd"`
	Sudo              string   `yaml:"sudo"`
}

type chpasswd struct {
	Expire bool `yaml:"expire"`
}

type keypairEntry struct {
	publicKey  string
	privateKey string
}

type hostAlias struct {
	alias string
	host  string
	port  int
	user  string
}

type fileEntry struct {
	Path        string `yaml:"path"`
	Encoding    string `yaml:"encoding"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions"`
}

type userData struct {
	YumRepos   map[string]repoEntry `yaml:"yum_repos,omitempty"`
	Users      []userEntry          `yaml:"users,omitempty"`
	WriteFiles []fileEntry          `yaml:"write_files,omitempty"`
}

// AddRepo declares a package repository the guest can install from.
func (d *Document) AddRepo(name, baseurl string) *Document {
	if d.repos == nil {
		d.repos = map[string]repoEntry{}
	}
	d.repos[name] = repoEntry{
		Name:     name,
		BaseURL:  baseurl,
		Enabled:  true,
		GPGCheck: false,
	}
	return d
}

// AddUser creates a login user trusting the given public key, with password
// login and passwordless sudo enabled.
func (d *Document) AddUser(username, password, sshPubkey string) *Document {
	d.users = append(d.users, userEntry{
		Name:              username,
		Password:          password,
		SSHAuthorizedKeys: []string{sshPubkey},
		SSHPasswordAuth:   true,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
	})
	return d
}

// EmbedKeypair writes the run's keypair into the guest at /etc/ssh so it can
// in turn reach other machines of the same run.
func (d *Document) EmbedKeypair(publicKey, privateKey string) *Document {
	d.keypair = &keypairEntry{publicKey: publicKey, privateKey: privateKey}
	return d
}

// AddHostAlias creates an /etc/ssh/ssh_config entry so the guest can reach
// host:port as just "alias", authenticating with the embedded keypair.
func (d *Document) AddHostAlias(alias, host string, port int, user string) *Document {
	d.aliases = append(d.aliases, hostAlias{alias: alias, host: host, port: port, user: user})
	return d
}

// UserData renders the document as a #cloud-config user-data string.
func (d *Document) UserData() (string, error) {
	ud := userData{
		YumRepos: d.repos,
		Users:    d.users,
	}

	if d.keypair != nil {
		ud.WriteFiles = append(ud.WriteFiles,
			fileEntry{
				Path:        "/etc/ssh/id_rsa.pub",
				Encoding:    "b64",
				Content:     base64.StdEncoding.EncodeToString([]byte(d.keypair.publicKey)),
				Permissions: "0644",
			},
			fileEntry{
				Path:        "/etc/ssh/id_rsa",
				Encoding:    "b64",
				Content:     base64.StdEncoding.EncodeToString([]byte(d.keypair.privateKey)),
				Permissions: "0644",
			},
		)
	}

	if len(d.aliases) > 0 {
		ud.WriteFiles = append(ud.WriteFiles, fileEntry{
			Path:        "/etc/ssh/ssh_config",
			Encoding:    "b64",
			Content:     base64.StdEncoding.EncodeToString([]byte(d.sshConfig())),
			Permissions: "0644",
		})
	}

	b, err := yaml.Marshal(&ud)
	if err != nil {
		return "", fmt.Errorf("can't marshal user-data: %w", err)
	}

	return "#cloud-config\n" + string(b), nil
}

func (d *Document) sshConfig() string {
	var sb strings.Builder
	for _, a := range d.aliases {
		fmt.Fprintf(&sb, "Host %s\n", a.alias)
		fmt.Fprintf(&sb, "    HostName %s\n", a.host)
		fmt.Fprintf(&sb, "    Port %d\n", a.port)
		fmt.Fprintf(&sb, "    User %s\n", a.user)
		fmt.Fprintf(&sb, "    IdentityFile /etc/ssh/id_rsa\n")
		fmt.Fprintf(&sb, "    StrictHostKeyChecking no\n")
	}
	return sb.String()
}
