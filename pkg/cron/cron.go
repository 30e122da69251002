// Package cron implements the Scheduled-Job Installer: it turns a
// service declared with a cron schedule into a host-level scheduled
// command that launches a one-shot, self-removing container, instead
// of the long-running blue/green path the Deployer uses for everything
// else. It satisfies ports.ScheduledJobInstaller.
package cron

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/naming"
	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

// ErrNotScheduled is returned when Install is called on a service
// whose Schedule.Kind is not types.Scheduled.
var ErrNotScheduled = fmt.Errorf("cron: service has no cron schedule")

// ErrInvalidSchedule is returned when a cron expression fails charset
// or field-count validation.
var ErrInvalidSchedule = fmt.Errorf("cron: invalid schedule")

// ErrNoScheduler is returned when the target node has neither cron nor
// Windows Task Scheduler available.
var ErrNoScheduler = fmt.Errorf("cron: no scheduler available on target node")

// Installer installs and removes scheduled-job launchers by talking to
// a node's SchedulerAgent.
type Installer struct {
	agent    ports.SchedulerAgent
	hostBase string
	metaDir  string
	log      zerolog.Logger
}

// New builds an Installer. hostBase is the OS-appropriate host root
// passed through to naming.HostPath for mount resolution (see
// pkg/naming); it is Linux-shaped even when targeting Windows, since
// the only Windows nodes in this fleet run Docker Desktop over WSL.
// metaDir, if non-empty, is where the control-plane host keeps a YAML
// sidecar per installed job (see sidecar.go); an empty metaDir disables
// sidecar bookkeeping entirely.
func New(agent ports.SchedulerAgent, hostBase, metaDir string, log zerolog.Logger) *Installer {
	return &Installer{agent: agent, hostBase: hostBase, metaDir: metaDir, log: log.With().Str("component", "cron_installer").Logger()}
}

// Identifier returns the sentinel marker this system stamps on every
// scheduled job it owns, so a later sweep can enumerate and remove
// only entries it created.
func Identifier(key types.ServiceKey) string {
	return fmt.Sprintf("MANAGED_%s_%s_%s", key.Project, key.Env, key.Service)
}

// ValidateCronSchedule reports whether schedule looks like a well-formed
// 5- or 6-field cron expression: the right arity and a charset limited
// to digits, '*', '/', ',' and '-'.
func ValidateCronSchedule(schedule string) bool {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false
	}
	fields := strings.Fields(schedule)
	if len(fields) != 5 && len(fields) != 6 {
		return false
	}
	for _, field := range fields {
		for _, c := range field {
			if !strings.ContainsRune("0123456789*/,-", c) {
				return false
			}
		}
	}
	return true
}

// Install validates desc's cron schedule, cleans up any straggler
// one-shot containers from a prior interrupted run, detects the target
// node's scheduling mechanism, and installs the launcher under it.
func (in *Installer) Install(ctx context.Context, desc *types.ServiceDesc, nodeIP, image string) error {
	if desc.Schedule.Kind != types.Scheduled {
		return ErrNotScheduled
	}
	if !ValidateCronSchedule(desc.Schedule.Cron) {
		return fmt.Errorf("%w: %q", ErrInvalidSchedule, desc.Schedule.Cron)
	}

	base := naming.ContainerName(desc.Key, false)
	if err := in.agent.CleanupStragglers(ctx, nodeIP, base+"_"); err != nil {
		in.log.Warn().Err(err).Str("node", nodeIP).Msg("failed to clean up straggler containers")
	}

	platform, scheduler, err := in.agent.DetectScheduler(ctx, nodeIP)
	if err != nil {
		return fmt.Errorf("cron: install %s: %w", desc.Key, err)
	}
	identifier := Identifier(desc.Key)

	switch scheduler {
	case "cron":
		args := buildLauncherArgs(desc, image, in.hostBase, base+"_$(date +%Y%m%d_%H%M%S)")
		logPath := fmt.Sprintf("/var/log/cron_%s_%s_%s.log", desc.Key.Project, desc.Key.Env, desc.Key.Service)
		spec := ports.CronJobSpec{
			Identifier: identifier,
			Schedule:   desc.Schedule.Cron,
			Command:    joinShellCommand(args) + " >> " + logPath + " 2>&1",
		}
		if err := in.agent.InstallCronJob(ctx, nodeIP, spec); err != nil {
			return fmt.Errorf("cron: install %s on %s: %w", desc.Key, nodeIP, err)
		}
		in.writeSidecar(jobMetadataFor(desc, nodeIP, "cron", spec.Command))
		in.log.Info().Str("node", nodeIP).Str("service", desc.Key.String()).Str("schedule", desc.Schedule.Cron).Msg("cron job installed")
		return nil

	case "schtasks":
		taskType, params, warning, ok := ConvertCronToWindows(desc.Schedule.Cron)
		if !ok {
			return fmt.Errorf("%w: cannot translate %q to Windows Task Scheduler", ErrInvalidSchedule, desc.Schedule.Cron)
		}
		if warning != "" {
			in.log.Warn().Str("service", desc.Key.String()).Msg(warning)
		}
		args := buildLauncherArgs(desc, image, in.hostBase, base+"_%RANDOM%")
		spec := ports.WindowsTaskSpec{
			TaskName: identifier,
			Command:  joinShellCommand(args),
			Type:     taskType,
			Params:   params,
		}
		if err := in.agent.InstallWindowsTask(ctx, nodeIP, spec); err != nil {
			return fmt.Errorf("cron: install %s on %s: %w", desc.Key, nodeIP, err)
		}
		in.writeSidecar(jobMetadataFor(desc, nodeIP, "schtasks", spec.Command))
		in.log.Info().Str("node", nodeIP).Str("service", desc.Key.String()).Str("schedule", desc.Schedule.Cron).Msg("windows scheduled task installed")
		return nil

	default:
		in.log.Warn().Str("node", nodeIP).Str("platform", platform).Str("scheduler", scheduler).
			Str("manual_command", joinShellCommand(buildLauncherArgs(desc, image, in.hostBase, base))).
			Msg("no scheduler available, manual setup required")
		return fmt.Errorf("%w: platform %s", ErrNoScheduler, platform)
	}
}

// Remove uninstalls whichever scheduled job this system previously
// installed for desc on nodeIP, identified by its sentinel marker.
func (in *Installer) Remove(ctx context.Context, desc *types.ServiceDesc, nodeIP string) error {
	identifier := Identifier(desc.Key)
	if err := in.agent.RemoveScheduledJob(ctx, nodeIP, identifier); err != nil {
		return fmt.Errorf("cron: remove %s on %s: %w", desc.Key, nodeIP, err)
	}
	in.removeSidecar(identifier)
	return nil
}

// ConvertCronToWindows translates the cron subsets §4.3 names into a
// Windows Task Scheduler type/params pair. A 6-field expression has its
// seconds field dropped (with a returned warning) before translation.
// Anything richer than the enumerated forms falls back to a daily task
// at 02:00, also with a warning.
func ConvertCronToWindows(schedule string) (taskType string, params []string, warning string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(schedule))

	if len(fields) == 6 {
		warning = fmt.Sprintf("Windows Task Scheduler does not support a seconds field; %q converted to a minute-level schedule", schedule)
		fields = fields[1:]
	}
	if len(fields) != 5 {
		return "", nil, "", false
	}

	minute, hour := fields[0], fields[1]
	everyDay := fields[2] == "*" && fields[3] == "*" && fields[4] == "*"

	if everyDay && minute == "*" && hour == "*" {
		return "MINUTE", []string{"/mo", "1"}, warning, true
	}

	if everyDay && strings.HasPrefix(minute, "*/") && hour == "*" {
		if interval := minute[2:]; isDigits(interval) {
			return "MINUTE", []string{"/mo", interval}, warning, true
		}
	}

	if everyDay && hour == "*" && isDigits(minute) {
		return "HOURLY", []string{"/mo", "1", "/st", fmt.Sprintf("00:%s", zeroPad(minute))}, warning, true
	}

	if everyDay && isDigits(minute) && isDigits(hour) {
		return "DAILY", []string{"/st", fmt.Sprintf("%s:%s", zeroPad(hour), zeroPad(minute))}, warning, true
	}

	if warning != "" {
		warning += "; "
	}
	warning += fmt.Sprintf("complex cron schedule %q converted to a basic daily task at 02:00", schedule)
	return "DAILY", []string{"/st", "02:00"}, warning, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

func zeroPad(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// buildLauncherArgs builds the docker-run argv for a one-shot,
// self-removing scheduled container, reusing the same mount and
// network resolution as the long-running path.
func buildLauncherArgs(desc *types.ServiceDesc, image, hostBase, containerName string) []string {
	args := []string{"docker", "run", "--rm", "--name", containerName}

	if net := naming.NetworkName(desc.Key.Project, desc.Key.Env); net != "" {
		args = append(args, "--network", net)
	}

	for _, m := range naming.AllMounts(hostBase, desc.Key) {
		binding := m.Source + ":" + m.Target
		if m.ReadOnly {
			binding += ":ro"
		}
		args = append(args, "-v", binding)
	}

	keys := make([]string, 0, len(desc.EnvVars))
	for k := range desc.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, desc.EnvVars[k]))
	}

	args = append(args, image)
	return args
}

// joinShellCommand renders args as a single shell command line,
// double-quoting any part that contains whitespace.
func joinShellCommand(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			parts[i] = `"` + a + `"`
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
