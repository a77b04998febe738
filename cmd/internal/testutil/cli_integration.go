//go:build integration

// Package testutil runs courier binaries in containers next to a MySQL server.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/courier/mysql"
)

const (
	mysqlImage    = "mysql:8.0.36"
	mysqlAlias    = "mysql"
	mysqlDatabase = "courier"
	mysqlPassword = "secret"
	mysqlPort     = nat.Port("3306/tcp")

	cliImage = "alpine:3.20"
	cliPath  = "/cli"

	startupTimeout = 2 * time.Minute
	exitTimeout    = 2 * time.Minute
)

// MySQLContainer is a MySQL server reachable from the host through DB and
// from containers on Network through DSN.
type MySQLContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	DSN       string
}

func dsn(host, port string) string {
	return fmt.Sprintf("root:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		mysqlPassword, host, port, mysqlDatabase)
}

// StartMySQLContainer starts MySQL on a fresh network. The test is skipped
// when Docker is unavailable.
func StartMySQLContainer(t *testing.T, ctx context.Context) MySQLContainer {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("docker network unavailable: %v", err)
	}
	t.Cleanup(func() { _ = net.Remove(ctx) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mysqlImage,
			ExposedPorts: []string{string(mysqlPort)},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": mysqlPassword,
				"MYSQL_DATABASE":      mysqlDatabase,
			},
			Networks:       []string{net.Name},
			NetworkAliases: map[string][]string{net.Name: {mysqlAlias}},
			WaitingFor: wait.ForSQL(mysqlPort, "mysql", func(host string, port nat.Port) string {
				return dsn(host, port.Port())
			}).WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, mysqlPort)
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsn(host, mapped.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return MySQLContainer{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       dsn(mysqlAlias, mysqlPort.Port()),
	}
}

// ApplySchemas creates every courier table with its default name.
func ApplySchemas(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()

	for _, ddl := range mysql.Schemas() {
		_, err := db.ExecContext(ctx, ddl)
		require.NoError(t, err, "apply schema")
	}
}

// BuildBinary compiles pkg for linux so it can run inside a container.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		require.NoError(t, err)
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)

	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build %s:\n%s", pkg, out)

	return bin
}

// RunCLIContainer runs binaryPath with args and env on networkName and returns
// its exit code and combined logs.
func RunCLIContainer(
	t *testing.T,
	ctx context.Context,
	networkName, binaryPath string,
	env map[string]string,
	args []string,
) (int, string) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliImage,
			Entrypoint: []string{cliPath},
			Cmd:        args,
			Env:        env,
			Networks:   []string{networkName},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      binaryPath,
				ContainerFilePath: cliPath,
				FileMode:          0o755,
			}},
			WaitingFor: wait.ForExit().WithExitTimeout(exitTimeout),
		},
		Started: true,
	})
	require.NoError(t, err, "start cli container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	logs, err := container.Logs(ctx)
	require.NoError(t, err)
	defer logs.Close()
	raw, err := io.ReadAll(logs)
	require.NoError(t, err)

	state, err := container.State(ctx)
	require.NoError(t, err)

	return state.ExitCode, string(raw)
}
