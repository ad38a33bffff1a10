//go:build linux

package ebpf

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/saworbit/futexsnoop/internal/platform"
	"github.com/saworbit/futexsnoop/pkg/config"
	"github.com/saworbit/futexsnoop/pkg/probe"
)

const (
	systemBTFPath = "/sys/kernel/btf/vmlinux"
	osReleasePath = "/etc/os-release"
	osReleaseSep  = "="
)

// BTFLoader finds kernel type information, from the running kernel or a
// BTFHub archive, used to resolve hook points when kallsyms is unreadable.
type BTFLoader struct {
	systemPath    string
	cacheDir      string
	allowDownload bool
	baseURL       string
	client        *http.Client
	log           logrus.FieldLogger
}

// NewBTFLoader constructs a loader based on CLI/env configuration.
func NewBTFLoader(cfg *config.BTFConfig, log logrus.FieldLogger) *BTFLoader {
	if cfg == nil {
		return nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	cache := cfg.CacheDir
	if cache == "" {
		cache = platform.CacheDir("btf")
	}

	baseURL := strings.TrimSuffix(cfg.HubMirror, "/")
	if baseURL == "" {
		baseURL = "https://github.com/aquasecurity/btfhub-archive/raw/main"
	}

	return &BTFLoader{
		systemPath:    systemBTFPath,
		cacheDir:      cache,
		allowDownload: cfg.AllowDownload,
		baseURL:       baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// LoadSpec returns a usable BTF spec and the source path it originated from.
func (l *BTFLoader) LoadSpec(ctx context.Context) (*btf.Spec, string, error) {
	if l == nil {
		return nil, "", fmt.Errorf("btf loader not configured")
	}

	if spec, err := btf.LoadSpec(l.systemPath); err == nil {
		return spec, l.systemPath, nil
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create btf cache dir: %w", err)
	}

	info, err := detectKernelInfo()
	if err != nil {
		return nil, "", err
	}

	cachedPath := filepath.Join(l.cacheDir, fmt.Sprintf("%s.btf", info.KernelRelease))
	if _, err := os.Stat(cachedPath); err == nil {
		spec, loadErr := btf.LoadSpec(cachedPath)
		return spec, cachedPath, loadErr
	}

	if !l.allowDownload {
		return nil, "", fmt.Errorf("no system BTF found and downloads disabled (expected cache at %s)", cachedPath)
	}

	l.log.WithField("kernel", info.KernelRelease).Info("Downloading BTF from BTFHub")
	path, err := l.downloadAndCache(ctx, info, cachedPath)
	if err != nil {
		return nil, "", err
	}

	spec, loadErr := btf.LoadSpec(path)
	return spec, path, loadErr
}

func (l *BTFLoader) downloadAndCache(ctx context.Context, info kernelInfo, destPath string) (string, error) {
	url := buildBTFHubURL(l.baseURL, info)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request for %s: %w", url, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download BTF from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("btfhub download failed (%s): %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(l.cacheDir, "btfhub-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", fmt.Errorf("write temp BTF archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(url), ".btf") {
		if err := os.Rename(tmp.Name(), destPath); err != nil {
			return "", fmt.Errorf("move BTF file: %w", err)
		}
		return destPath, nil
	}

	if err := extractBTFArchive(tmp.Name(), destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func extractBTFArchive(archivePath, destPath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open BTF archive: %w", err)
	}
	defer f.Close()

	xzReader, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("init xz reader: %w", err)
	}

	tarReader := tar.NewReader(xzReader)
	for {
		hdr, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".btf") {
			continue
		}

		if err := writeFileFromTar(destPath, tarReader, hdr.FileInfo().Mode()); err != nil {
			return err
		}
		return nil
	}

	return fmt.Errorf("btf archive did not contain .btf file")
}

func writeFileFromTar(path string, r io.Reader, mode os.FileMode) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cached BTF: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write cached BTF: %w", err)
	}

	if err := out.Chmod(mode); err != nil {
		return fmt.Errorf("chmod cached BTF: %w", err)
	}

	return nil
}

type kernelInfo struct {
	Distro        string
	VersionID     string
	KernelRelease string
	Arch          string
}

func detectKernelInfo() (kernelInfo, error) {
	release, err := kernelRelease()
	if err != nil {
		return kernelInfo{}, err
	}

	arch, err := normalizeArch(runtime.GOARCH)
	if err != nil {
		return kernelInfo{}, err
	}

	osMeta, err := parseOSRelease()
	if err != nil {
		return kernelInfo{}, err
	}

	return kernelInfo{
		Distro:        osMeta["ID"],
		VersionID:     osMeta["VERSION_ID"],
		KernelRelease: release,
		Arch:          arch,
	}, nil
}

func parseOSRelease() (map[string]string, error) {
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return map[string]string{
			"ID":         "unknown",
			"VERSION_ID": "unknown",
		}, nil
	}

	meta := map[string]string{
		"ID":         "unknown",
		"VERSION_ID": "unknown",
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		parts := bytes.SplitN(line, []byte(osReleaseSep), 2)
		if len(parts) != 2 {
			continue
		}
		key := string(parts[0])
		val := strings.Trim(string(parts[1]), `"`)
		meta[key] = strings.ToLower(val)
	}
	return meta, nil
}

func kernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

func normalizeArch(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "arm64", nil
	case "ppc64le":
		return "ppc64le", nil
	default:
		return "", fmt.Errorf("unsupported architecture for BTFHub: %s", goarch)
	}
}

func buildBTFHubURL(base string, info kernelInfo) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.btf.tar.xz",
		strings.TrimSuffix(base, "/"),
		info.Distro,
		info.VersionID,
		info.Arch,
		info.KernelRelease)
}

// btfResolver resolves hooks against the function names in a kernel BTF
// spec. The spec is loaded on first use only.
type btfResolver struct {
	loader *BTFLoader
	goarch string

	once   sync.Once
	spec   *btf.Spec
	source string
	err    error
}

func newBTFResolver(loader *BTFLoader, goarch string) *btfResolver {
	return &btfResolver{loader: loader, goarch: goarch}
}

func (r *btfResolver) Resolve(hook string) (probe.Symbol, error) {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.spec, r.source, r.err = r.loader.LoadSpec(ctx)
		if r.err == nil {
			r.loader.log.WithField("source", r.source).Info("Loaded BTF spec")
		}
	})
	if r.err != nil {
		return probe.Symbol{}, fmt.Errorf("%w: %w", probe.ErrUnresolved, r.err)
	}
	return resolveInSpec(r.spec, hook, r.goarch)
}

func resolveInSpec(spec *btf.Spec, hook, goarch string) (probe.Symbol, error) {
	candidates := probe.Candidates(hook, goarch)
	for _, name := range candidates {
		var fn *btf.Func
		if err := spec.TypeByName(name, &fn); err == nil {
			return probe.Symbol{Name: name, Wrapped: probe.IsWrapper(name)}, nil
		}
	}
	return probe.Symbol{}, fmt.Errorf("%w: none of %v in BTF", probe.ErrUnresolved, candidates)
}
