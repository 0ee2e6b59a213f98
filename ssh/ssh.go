// Package ssh wraps the remote command execution used to drive provisioned
// machines. Commands are executed over a per-call connection so a flaky boot
// never poisons a long-lived session.
package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const dialTimeout = 20 * time.Second

type Client struct {
	addr   string
	config *ssh.ClientConfig
}

// NewClient builds a client authenticating as user with the given PEM-encoded
// private key. Host keys are not verified; every machine we talk to was
// created seconds ago from a known image.
func NewClient(user, host string, port int, privateKey []byte) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("can't parse private key: %w", err)
	}

	return &Client{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{
				ssh.PublicKeys(signer),
			},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
	}, nil
}

// Run executes command on the remote machine and returns its exit status. A
// non-zero remote exit is not an error; callers decide what is fatal. The
// returned error reports transport or session failures only, with an exit
// status of -1.
func (c *Client) Run(command string, stdin io.Reader) (int, error) {
	conn, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return -1, fmt.Errorf("can't dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return -1, fmt.Errorf("can't create session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("can't run command: %w", err)
	}

	return 0, nil
}
