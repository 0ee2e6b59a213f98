package cloudinit

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestUserData(t *testing.T) {
	doc := (&Document{}).
		AddRepo("osbuild", "http://osbuild.org/repo/").
		AddUser("admin", "foobar", "ssh-rsa AAAA pubkey").
		EmbedKeypair("pubkey", "privkey").
		AddHostAlias("target", "127.0.0.1", 2222, "admin")

	out, err := doc.UserData()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "#cloud-config\n"))

	var ud map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &ud))

	repos := ud["yum_repos"].(map[string]any)
	repo := repos["osbuild"].(map[string]any)
	assert.Equal(t, "http://osbuild.org/repo/", repo["baseurl"])
	assert.Equal(t, true, repo["enabled"])
	assert.Equal(t, false, repo["gpgcheck"])

	users := ud["users"].([]any)
	require.Len(t, users, 1)
	user := users[0].(map[string]any)
	assert.Equal(t, "admin", user["user"])
	assert.Equal(t, "ALL=(ALL) NOPASSWD:ALL", user["sudo"])
	assert.Equal(t, []any{"ssh-rsa AAAA pubkey"}, user["ssh_authorized_keys"])

	files := ud["write_files"].([]any)
	require.Len(t, files, 3)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.(map[string]any)["path"].(string)
	}
	assert.Equal(t, []string{"/etc/ssh/id_rsa.pub", "/etc/ssh/id_rsa", "/etc/ssh/ssh_config"}, paths)

	sshConfigB64 := files[2].(map[string]any)["content"].(string)
	sshConfig, err := base64.StdEncoding.DecodeString(sshConfigB64)
	require.NoError(t, err)
	assert.Equal(t, `Host target
    HostName 127.0.0.1
    Port 2222
    User admin
    IdentityFile /etc/ssh/id_rsa
    StrictHostKeyChecking no
`, string(sshConfig))
}

func TestUserDataOmitsEmptySections(t *testing.T) {
	doc := (&Document{}).AddUser("admin", "foobar", "key")

	out, err := doc.UserData()
	require.NoError(t, err)

	var ud map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &ud))
	assert.NotContains(t, ud, "yum_repos")
	assert.NotContains(t, ud, "write_files")
}

func TestWriteISO(t *testing.T) {
	dir := t.TempDir()

	doc := (&Document{}).AddUser("admin", "foobar", "key")
	path, err := doc.WriteISO(dir, "target")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "target.iso"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
