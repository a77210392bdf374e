package toolchain

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Installation is one discovered Visual Studio toolset instance. Discovery
// implementations return plain data; all selection logic lives here so it is
// testable with a substitute source.
type Installation struct {
	Name           string
	Version        string // e.g. "17.9.34902.97"
	Path           string // installation root
	VCToolsVersion string // e.g. "14.39.33519"
}

// Discovery enumerates installed MSVC toolsets.
type Discovery interface {
	Installations() ([]Installation, error)
}

// msvcArchNames maps target triple architectures to the directory names the
// MSVC toolset uses; the two naming schemes diverge.
var msvcArchNames = map[string]string{
	"x86_64":   "x64",
	"i686":     "x86",
	"i586":     "x86",
	"aarch64":  "arm64",
	"arm64ec":  "arm64ec",
	"arm":      "arm",
	"armv7":    "arm",
	"thumbv7a": "arm",
}

func locateMSVC(opts Options) (*Identity, error) {
	arch, ok := msvcArchNames[tripleArch(opts.Target)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported MSVC target architecture %q", ErrNotFound, tripleArch(opts.Target))
	}

	if opts.CompilerOverride != "" {
		return msvcIdentityFromOverride(opts)
	}

	hostArch, ok := msvcArchNames[tripleArch(opts.Host)]
	if !ok {
		hostArch = "x64"
	}

	// A vcvars prompt exports the toolset root directly; honor it before
	// running discovery.
	if toolsDir, ok := opts.Env.Get("VCToolsInstallDir"); ok && toolsDir != "" {
		binDir := filepath.Join(toolsDir, "bin", "Host"+hostArch, arch)
		if _, err := os.Stat(filepath.Join(binDir, "cl.exe")); err == nil {
			return msvcToolsDirIdentity(toolsDir, binDir, arch, opts)
		}

		opts.Logger.Debug("VCToolsInstallDir set but unusable", "dir", toolsDir)
	}

	disc := opts.Discovery
	if disc == nil {
		disc = &systemDiscovery{logger: opts.Logger}
	}

	insts, err := disc.Installations()
	if err != nil {
		opts.Logger.Debug("toolset discovery failed", "error", err)
	}

	if sel, binDir, found := selectInstallation(insts, opts, hostArch, arch); found {
		opts.Logger.Debug("selected toolset", "name", sel.Name, "version", sel.Version, "bin", binDir)

		return msvcIdentity(sel, binDir, arch, opts)
	}

	// Last resort: a developer prompt already has cl.exe on PATH.
	if cl, err := opts.LookPath("cl.exe"); err == nil {
		return msvcIdentityFromPath(cl, opts)
	}

	return nil, fmt.Errorf("%w: no Visual Studio installation found for target %s", ErrNotFound, opts.Target)
}

// selectInstallation picks the highest-version installation whose compiler
// binary for the requested host/target pair actually exists. A layered
// VSVERSION variable pins the selection to a version prefix instead.
func selectInstallation(insts []Installation, opts Options, hostArch, arch string) (Installation, string, bool) {
	want, _ := opts.Env.Get("VSVERSION")

	candidates := make([]Installation, 0, len(insts))
	for _, inst := range insts {
		if want != "" && !strings.HasPrefix(inst.Version, want) {
			continue
		}

		candidates = append(candidates, inst)
	}

	for {
		best := -1
		for i, c := range candidates {
			if best < 0 || compareVersions(c.Version, candidates[best].Version) > 0 {
				best = i
			}
		}

		if best < 0 {
			return Installation{}, "", false
		}

		sel := candidates[best]
		binDir := filepath.Join(sel.Path, "VC", "Tools", "MSVC", sel.VCToolsVersion, "bin", "Host"+hostArch, arch)
		if _, err := os.Stat(filepath.Join(binDir, "cl.exe")); err == nil {
			return sel, binDir, true
		}

		candidates = append(candidates[:best], candidates[best+1:]...)
	}
}

func msvcIdentity(sel Installation, binDir, arch string, opts Options) (*Identity, error) {
	toolsDir := filepath.Join(sel.Path, "VC", "Tools", "MSVC", sel.VCToolsVersion)
	return msvcToolsDirIdentity(toolsDir, binDir, arch, opts)
}

// msvcToolsDirIdentity builds the identity from a VC toolset root, whether
// it came from discovery or straight from the environment.
func msvcToolsDirIdentity(toolsDir, binDir, arch string, opts Options) (*Identity, error) {
	archiver := opts.ArchiverOverride
	if archiver == "" {
		archiver = filepath.Join(binDir, "lib.exe")
	}

	includeDirs := []string{filepath.Join(toolsDir, "include")}
	libDirs := []string{filepath.Join(toolsDir, "lib", arch)}

	sdkInc, sdkLib := windowsSDKDirs(opts, arch)
	includeDirs = append(includeDirs, sdkInc...)
	libDirs = append(libDirs, sdkLib...)

	compiler := filepath.Join(binDir, "cl.exe")

	return &Identity{
		Family:        FamilyMSVC,
		Compiler:      compiler,
		Archiver:      archiver,
		Linker:        filepath.Join(binDir, "link.exe"),
		BaselineFlags: msvcFlags(opts),
		IncludeDirs:   includeDirs,
		LibDirs:       libDirs,
		Fingerprint:   FamilyMSVC.String() + ":" + compiler,
	}, nil
}

func msvcIdentityFromOverride(opts Options) (*Identity, error) {
	archiver := opts.ArchiverOverride
	if archiver == "" {
		sibling := filepath.Join(filepath.Dir(opts.CompilerOverride), "lib.exe")
		if _, err := os.Stat(sibling); err == nil {
			archiver = sibling
		} else {
			archiver = "lib.exe"
		}
	}

	return &Identity{
		Family:        FamilyMSVC,
		Compiler:      opts.CompilerOverride,
		Archiver:      archiver,
		BaselineFlags: msvcFlags(opts),
		Fingerprint:   FamilyMSVC.String() + ":" + opts.CompilerOverride,
	}, nil
}

func msvcIdentityFromPath(cl string, opts Options) (*Identity, error) {
	archiver := opts.ArchiverOverride
	if archiver == "" {
		var err error
		archiver, err = opts.LookPath("lib.exe")
		if err != nil {
			return nil, fmt.Errorf("%w: cl.exe found on PATH but lib.exe is not", ErrNotFound)
		}
	}

	linker, _ := opts.LookPath("link.exe")

	return &Identity{
		Family:        FamilyMSVC,
		Compiler:      cl,
		Archiver:      archiver,
		Linker:        linker,
		BaselineFlags: msvcFlags(opts),
		Fingerprint:   FamilyMSVC.String() + ":" + cl,
	}, nil
}

func msvcFlags(opts Options) []string {
	flags := []string{"-nologo"}

	switch opts.OptLevel {
	case "", "0":
		flags = append(flags, "-Od")
	case "1":
		flags = append(flags, "-O1")
	case "s", "z":
		flags = append(flags, "-O1")
	default:
		flags = append(flags, "-O2")
	}

	if opts.Cpp {
		flags = append(flags, "-EHsc")
	}

	return flags
}

// windowsSDKDirs resolves the Windows SDK and Universal CRT include/library
// roots from the environment set up by the installer or vcvars. Missing
// values yield empty results rather than errors; cl.exe can still run inside
// a fully configured developer prompt.
func windowsSDKDirs(opts Options, arch string) (include, lib []string) {
	if root, ok := opts.Env.Get("WindowsSdkDir"); ok {
		if ver, ok := opts.Env.Get("WindowsSDKVersion"); ok {
			ver = strings.TrimSuffix(ver, "\\")
			include = append(include,
				filepath.Join(root, "Include", ver, "um"),
				filepath.Join(root, "Include", ver, "shared"),
			)
			lib = append(lib, filepath.Join(root, "Lib", ver, "um", arch))
		}
	}

	if root, ok := opts.Env.Get("UniversalCRTSdkDir"); ok {
		if ver, ok := opts.Env.Get("UCRTVersion"); ok {
			include = append(include, filepath.Join(root, "Include", ver, "ucrt"))
			lib = append(lib, filepath.Join(root, "Lib", ver, "ucrt", arch))
		}
	}

	return include, lib
}

// compareVersions orders dotted numeric versions; non-numeric segments
// compare lexically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)

		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}

	return 0
}

// systemDiscovery enumerates installations the way the platform exposes
// them: the vswhere component-discovery tool first, then a registry query.
type systemDiscovery struct {
	logger interface {
		Debug(msg string, args ...any)
	}
}

type vswhereEntry struct {
	DisplayName         string `json:"displayName"`
	InstallationPath    string `json:"installationPath"`
	InstallationVersion string `json:"installationVersion"`
}

func (d *systemDiscovery) Installations() ([]Installation, error) {
	if insts, err := d.fromVswhere(); err == nil && len(insts) > 0 {
		return insts, nil
	}

	return d.fromRegistry()
}

func (d *systemDiscovery) fromVswhere() ([]Installation, error) {
	path := filepath.Join(os.Getenv("ProgramFiles(x86)"),
		"Microsoft Visual Studio", "Installer", "vswhere.exe")
	if _, err := os.Stat(path); err != nil {
		var lookErr error
		path, lookErr = exec.LookPath("vswhere.exe")
		if lookErr != nil {
			return nil, fmt.Errorf("vswhere.exe not found: %w", err)
		}
	}

	out, err := exec.Command(path,
		"-products", "*",
		"-requires", "Microsoft.VisualStudio.Component.VC.Tools.x86.x64",
		"-format", "json",
		"-utf8",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("running vswhere: %w", err)
	}

	var entries []vswhereEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parsing vswhere output: %w", err)
	}

	var insts []Installation
	for _, e := range entries {
		tools, err := vcToolsVersion(e.InstallationPath)
		if err != nil {
			d.logger.Debug("skipping installation without VC tools", "path", e.InstallationPath, "error", err)
			continue
		}

		insts = append(insts, Installation{
			Name:           e.DisplayName,
			Version:        e.InstallationVersion,
			Path:           e.InstallationPath,
			VCToolsVersion: tools,
		})
	}

	return insts, nil
}

// fromRegistry queries the legacy VS7 key that pre-vswhere installers wrote.
func (d *systemDiscovery) fromRegistry() ([]Installation, error) {
	out, err := exec.Command("reg", "query",
		`HKLM\SOFTWARE\Microsoft\VisualStudio\SxS\VS7`, "/reg:32").Output()
	if err != nil {
		return nil, fmt.Errorf("querying registry: %w", err)
	}

	var insts []Installation
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "REG_SZ" {
			continue
		}

		root := strings.Join(fields[2:], " ")
		tools, err := vcToolsVersion(root)
		if err != nil {
			continue
		}

		insts = append(insts, Installation{
			Name:           "VisualStudio/" + fields[0],
			Version:        fields[0],
			Path:           root,
			VCToolsVersion: tools,
		})
	}

	return insts, nil
}

// vcToolsVersion reads the default toolset version marker inside a VS root.
func vcToolsVersion(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "VC", "Auxiliary", "Build", "Microsoft.VCToolsVersion.default.txt"))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
