package provision

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	labelManagedBy = "vmfleet"
	networkName    = "vmfleet"
	stopTimeoutSec = 30
	ipWaitTimeout  = 20 * time.Second
)

// DockerBackend runs each VM as a long-lived container with a data volume.
type DockerBackend struct {
	host      string
	catalog   *Catalog
	log       *zap.Logger
	client    *dockerclient.Client
	available bool
	// shells caches the login shell per handle, learned from the os-type label.
	shells sync.Map
}

func NewDockerBackend(host string, catalog *Catalog, log *zap.Logger) *DockerBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerBackend{host: host, catalog: catalog, log: log.Named("docker")}
}

func (d *DockerBackend) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if d.host != "" {
		opts = append(opts, dockerclient.WithHost(d.host))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	d.log.Info("docker daemon connected")
	return nil
}

func (d *DockerBackend) Available() bool { return d.available }

func (d *DockerBackend) Name() string { return "docker" }

func (d *DockerBackend) ensureNetwork(ctx context.Context) error {
	if _, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	d.log.Info("created docker network", zap.String("network", networkName))
	return nil
}

func (d *DockerBackend) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	d.log.Info("pulling image", zap.String("image", img))
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func dataVolume(handle string) string {
	return handle + "-data"
}

func containerLabels(spec Spec) map[string]string {
	return map[string]string{
		"managed-by": labelManagedBy,
		"vm-id":      strconv.FormatUint(uint64(spec.VMID), 10),
		"owner-id":   strconv.FormatUint(uint64(spec.OwnerID), 10),
		"os-type":    spec.OSType,
		"disk-gb":    strconv.Itoa(spec.DiskGB),
	}
}

func memoryBytes(ramMB int) (int64, error) {
	return units.RAMInBytes(fmt.Sprintf("%dm", ramMB))
}

func (d *DockerBackend) Create(ctx context.Context, spec Spec) (Result, error) {
	img, ok := d.catalog.Lookup(spec.OSType)
	if !ok {
		return Result{}, fmt.Errorf("unknown os type %q", spec.OSType)
	}
	if err := d.ensureImage(ctx, img.Image); err != nil {
		return Result{}, err
	}

	d.shells.Store(spec.Handle, img.Shell)
	labels := containerLabels(spec)
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: dataVolume(spec.Handle), Labels: labels}); err != nil {
		return Result{}, fmt.Errorf("create volume: %w", err)
	}

	mem, err := memoryBytes(spec.RAMMB)
	if err != nil {
		return Result{}, fmt.Errorf("parse memory: %w", err)
	}
	sshPort, err := nat.NewPort("tcp", "22")
	if err != nil {
		return Result{}, err
	}

	containerCfg := &container.Config{
		Image:        img.Image,
		Hostname:     spec.Handle,
		Cmd:          []string{"sleep", "infinity"},
		Labels:       labels,
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: dataVolume(spec.Handle), Target: "/data"},
		},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores) * 1_000_000_000,
			Memory:   mem,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Handle)
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}
	return d.waitForIP(ctx, spec.Handle)
}

func (d *DockerBackend) Start(ctx context.Context, handle string) (Result, error) {
	if err := d.client.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}
	return d.waitForIP(ctx, handle)
}

func (d *DockerBackend) waitForIP(ctx context.Context, handle string) (Result, error) {
	deadline := time.Now().Add(ipWaitTimeout)
	for time.Now().Before(deadline) {
		if ip, err := d.Address(ctx, handle); err == nil && ip != "" {
			return Result{IP: ip}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return Result{}, fmt.Errorf("container %s has no IP address", handle)
}

// Address returns the container's IP on the fleet network, if any.
func (d *DockerBackend) Address(ctx context.Context, handle string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.Config != nil {
		d.rememberShell(handle, inspect.Config.Labels["os-type"])
	}
	if inspect.NetworkSettings == nil {
		return "", nil
	}
	for _, ep := range inspect.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", nil
}

func (d *DockerBackend) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeoutSec
	if err := d.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *DockerBackend) Destroy(ctx context.Context, handle string) error {
	err := d.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Cleanup removes the VM's data volume.
func (d *DockerBackend) Cleanup(ctx context.Context, handle string) error {
	err := d.client.VolumeRemove(ctx, dataVolume(handle), true)
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", dataVolume(handle), err)
	}
	return nil
}

func (d *DockerBackend) Status(ctx context.Context, handle string) (Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return StatusNotCreated, nil
		}
		return StatusUnknown, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return StatusUnknown, nil
	}
	return statusFromState(string(inspect.State.Status)), nil
}

func statusFromState(state string) Status {
	switch state {
	case "running":
		return StatusRunning
	case "created", "exited", "dead", "paused":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func (d *DockerBackend) rememberShell(handle, osType string) {
	if img, ok := d.catalog.Lookup(osType); ok {
		d.shells.Store(handle, img.Shell)
	}
}

func (d *DockerBackend) ConsoleCommand(handle string) []string {
	shell := "/bin/sh"
	if v, ok := d.shells.Load(handle); ok {
		shell = v.(string)
	}
	argv := []string{"docker"}
	if d.host != "" {
		argv = append(argv, "-H", d.host)
	}
	return append(argv, "exec", "-it", handle, shell)
}

var (
	_ Backend   = (*DockerBackend)(nil)
	_ Cleaner   = (*DockerBackend)(nil)
	_ Addresser = (*DockerBackend)(nil)
)
