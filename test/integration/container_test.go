package integration

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// container is a throwaway docker container with one published port.
type container struct {
	id   string
	port int
}

func (c container) remove() {
	exec.Command("docker", "rm", "-f", c.id).Run()
}

// runContainer starts image detached, publishing containerPort on a free
// localhost port, and waits until ready succeeds.
func runContainer(ctx context.Context, image string, containerPort int, env []string, ready func(ctx context.Context, port int) error) (container, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return container{}, fmt.Errorf("find free port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	args := []string{"run", "-d", "--rm", "-p", fmt.Sprintf("%d:%d", port, containerPort)}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	out, err := exec.CommandContext(ctx, "docker", append(args, image)...).CombinedOutput()
	if err != nil {
		return container{}, fmt.Errorf("docker run %s: %w\n%s", image, err, out)
	}
	c := container{id: strings.TrimSpace(string(out)), port: port}

	deadline := time.Now().Add(30 * time.Second)
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = ready(attemptCtx, port)
		cancel()
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			c.remove()
			return container{}, fmt.Errorf("%s not ready: %w", image, err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
