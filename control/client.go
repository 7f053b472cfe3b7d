package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sdss/cerebro/errors"
)

// DefaultCommandTimeout bounds one client exchange with the socket.
const DefaultCommandTimeout = 5 * time.Second

// Client issues commands against a running instance's control socket.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the given socket path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: DefaultCommandTimeout}
}

// roundTrip sends one command line and reads one reply line.
func (c *Client) roundTrip(command string) (string, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return "", errors.WrapTransient(err, "Client", "roundTrip",
			"control socket dial")
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", errors.Wrap(err, "Client", "roundTrip", "command write")
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "Client", "roundTrip", "reply read")
	}
	return strings.TrimSpace(reply), nil
}

// Status returns the source name → running mapping of the instance.
func (c *Client) Status() (map[string]bool, error) {
	reply, err := c.roundTrip("status")
	if err != nil {
		return nil, err
	}

	status := map[string]bool{}
	if err := json.Unmarshal([]byte(reply), &status); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Status", "status decode")
	}
	return status, nil
}

// Restart asks the instance to restart one source and reports whether it
// came back.
func (c *Client) Restart(name string) (bool, error) {
	reply, err := c.roundTrip("restart " + name)
	if err != nil {
		return false, err
	}
	return reply == "true", nil
}
