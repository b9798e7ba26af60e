package safety

import (
	"fmt"
	"regexp"

	"github.com/alantheprice/caro/internal/model"
)

// compiledPattern pairs a Pattern with its compiled regex, bucketed by
// ShellKind at package init (and again per-Engine when custom patterns are
// configured) so matching never recompiles a regex at request time.
type compiledPattern struct {
	model.Pattern
	re *regexp.Regexp
}

// patternTable is the built-in rule set, independent of shell, covering:
// recursive/forced removal, device writes, permission/ownership broadening
// on system paths, fork bombs, pipe-to-shell network execution, firewall
// flush, disk partition operations, and shell-specific idioms.
var patternTable = []model.Pattern{
	{Name: "rm-rf-root", Regex: `\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+/\s*$`, Risk: model.RiskCritical, Category: "destructive-fs", Nondemotable: true, Description: "recursive forced removal of the filesystem root"},
	{Name: "rm-rf-slash-star", Regex: `\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+/\*`, Risk: model.RiskCritical, Category: "destructive-fs", Nondemotable: true, Description: "recursive forced removal under root"},
	{Name: "rm-rf-home", Regex: `\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+(~|\$HOME)\s*/?\s*$`, Risk: model.RiskCritical, Category: "destructive-fs", Nondemotable: true, Description: "recursive forced removal of the home directory"},
	{Name: "mkfs", Regex: `\bmkfs(\.\w+)?\b`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "formats a filesystem"},
	{Name: "dd-to-device", Regex: `\bdd\b.*\bof=/dev/(sd|nvme|hd|xvd)`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "writes raw bytes to a block device"},
	{Name: "dd-zero-device", Regex: `\bdd\b.*\bif=/dev/(zero|urandom|random)\b.*\bof=/dev/`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "overwrites a block device with zeroes or random data"},
	{Name: "fork-bomb", Regex: `:\(\)\s*\{\s*:\|\s*:&\s*\};\s*:`, Risk: model.RiskCritical, Category: "resource-exhaustion", Nondemotable: true, Description: "shell fork bomb"},
	{Name: "disk-partition-tool", Regex: `\b(fdisk|parted|gdisk|sgdisk)\b.*\/dev\/`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "repartitions a disk device"},
	{Name: "chmod-world-root", Regex: `\bchmod\s+(-R\s+)?(000|777)\s+/\s*$`, Risk: model.RiskCritical, Category: "destructive-fs", Nondemotable: true, Description: "strips or broadens all permissions on root"},
	{Name: "chmod-recursive-broad", Regex: `\bchmod\s+-R\s+(777|a\+rwx)\b`, Risk: model.RiskHigh, Category: "destructive-fs", Description: "recursively broadens permissions to world-writable"},
	{Name: "overwrite-shadow", Regex: `>\s*/etc/(shadow|passwd|sudoers)\b`, Risk: model.RiskCritical, Category: "system-integrity", Nondemotable: true, Description: "overwrites a core system account file"},
	{Name: "killall-9", Regex: `\bkillall\s+-9\b`, Risk: model.RiskHigh, Category: "process-control", Description: "force-kills all matching processes"},
	{Name: "kill-signal-all", Regex: `\bkill\s+-9\s+-1\b`, Risk: model.RiskCritical, Category: "process-control", Nondemotable: true, Description: "sends SIGKILL to every process the user can signal"},
	{Name: "chown-recursive-root", Regex: `\bchown\s+-R\b.*\s/\s*$`, Risk: model.RiskCritical, Category: "destructive-fs", Nondemotable: true, Description: "recursively reassigns ownership of the filesystem root"},
	{Name: "rm-recursive", Regex: `\brm\s+(-\w*r\w*|-\w*R\w*)\b`, Risk: model.RiskHigh, Category: "destructive-fs", Description: "recursive file removal"},
	{Name: "sudo-prefixed", Regex: `^\s*sudo\b`, Risk: model.RiskModerate, Category: "privilege-escalation", Description: "runs as root via sudo"},
	{Name: "doas-prefixed", Regex: `^\s*doas\b`, Risk: model.RiskModerate, Category: "privilege-escalation", Description: "runs as root via doas"},
	{Name: "curl-pipe-shell", Regex: `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`, Risk: model.RiskHigh, Category: "remote-code-execution", Description: "pipes a remote download directly into a shell"},
	{Name: "git-push-force", Regex: `\bgit\s+push\b.*(--force|-f)\b`, Risk: model.RiskModerate, Category: "vcs-history", Description: "force-pushes, rewriting remote history"},
	{Name: "git-reset-hard", Regex: `\bgit\s+reset\s+--hard\b`, Risk: model.RiskModerate, Category: "vcs-history", Description: "discards uncommitted work via a hard reset"},
	{Name: "git-clean-force", Regex: `\bgit\s+clean\s+(-\w*f\w*d\w*|-\w*d\w*f\w*|-fx)\b`, Risk: model.RiskModerate, Category: "vcs-history", Description: "removes untracked and ignored files"},
	{Name: "truncate-redirect", Regex: `>\s*[^>&\s]+`, Risk: model.RiskModerate, Category: "destructive-fs", Description: "truncating output redirection can destroy an existing file"},
	{Name: "shutdown-reboot", Regex: `\b(shutdown|reboot|halt|poweroff)\b`, Risk: model.RiskHigh, Category: "system-state", Description: "shuts down or restarts the host"},
	{Name: "userdel-passwd", Regex: `\b(userdel|usermod|passwd)\b`, Risk: model.RiskHigh, Category: "account-management", Description: "modifies system account state"},
	{Name: "groupdel", Regex: `\bgroupdel\b`, Risk: model.RiskModerate, Category: "account-management", Description: "removes a system group"},
	{Name: "iptables-flush", Regex: `\biptables\s+(-F|--flush)\b`, Risk: model.RiskHigh, Category: "network-security", Description: "flushes firewall rules"},
	{Name: "nftables-flush", Regex: `\bnft\s+flush\s+ruleset\b`, Risk: model.RiskHigh, Category: "network-security", Description: "flushes all nftables rules"},
	{Name: "ufw-disable", Regex: `\bufw\s+disable\b`, Risk: model.RiskModerate, Category: "network-security", Description: "disables the host firewall"},
	{Name: "crontab-remove", Regex: `\bcrontab\s+-r\b`, Risk: model.RiskModerate, Category: "system-state", Description: "removes the user's entire crontab"},
	{Name: "history-clear", Regex: `\bhistory\s+-c\b`, Risk: model.RiskModerate, Category: "evidence-tampering", Description: "clears shell history"},
	{Name: "shred-device", Regex: `\bshred\b.*\s/dev/`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "securely wipes a block device"},
	{Name: "wipefs", Regex: `\bwipefs\b.*\s/dev/`, Risk: model.RiskCritical, Category: "destructive-disk", Nondemotable: true, Description: "erases filesystem signatures from a block device"},
	{Name: "docker-system-prune", Regex: `\bdocker\s+system\s+prune\s+(-a|--all)\b`, Risk: model.RiskHigh, Category: "resource-exhaustion", Description: "removes all unused docker data, including images still referenced elsewhere"},
	{Name: "kubectl-delete-namespace", Regex: `\bkubectl\s+delete\s+namespace\b`, Risk: model.RiskHigh, Category: "destructive-infra", Description: "deletes an entire Kubernetes namespace and everything in it"},
	{Name: "env-dump", Regex: `\benv\b\s*$`, Risk: model.RiskSafe, Category: "information-disclosure", Description: "prints the environment; safe but may reveal secrets to the terminal"},

	// Bash/Zsh-specific idioms: process substitution and redirection forms
	// that can target devices in ways a plain regex over "dd"/"mkfs" misses.
	{Name: "bash-procsub-to-device", Regex: `>\s*/dev/(sd|nvme|hd|xvd)\w*\s*<\(`, Risk: model.RiskCritical, Category: "destructive-disk", AppliesTo: []model.ShellKind{model.ShellBash, model.ShellZsh}, Nondemotable: true, Description: "process substitution redirected onto a block device"},
	{Name: "bash-redirect-to-device", Regex: `[^>]>\s*/dev/(sd|nvme|hd|xvd)\w*\b`, Risk: model.RiskCritical, Category: "destructive-disk", AppliesTo: []model.ShellKind{model.ShellBash, model.ShellZsh, model.ShellSh}, Nondemotable: true, Description: "shell redirection writes directly onto a block device"},
	{Name: "bash-eval-remote", Regex: `\beval\s+"\$\(\s*(curl|wget)\b`, Risk: model.RiskHigh, Category: "remote-code-execution", AppliesTo: []model.ShellKind{model.ShellBash, model.ShellZsh, model.ShellSh}, Description: "evaluates a remotely fetched script in the current shell"},

	// Fish-specific idiom: its removal/confirm flags differ from POSIX rm.
	{Name: "fish-rm-recursive", Regex: `\brm\s+(-\w*r\w*|-\w*R\w*)\b`, Risk: model.RiskHigh, Category: "destructive-fs", AppliesTo: []model.ShellKind{model.ShellFish}, Description: "recursive file removal"},

	// PowerShell-specific idioms.
	{Name: "pwsh-remove-item-recurse-force", Regex: `(?i)\bRemove-Item\b.*-Recurse\b.*-Force\b|\bRemove-Item\b.*-Force\b.*-Recurse\b`, Risk: model.RiskCritical, Category: "destructive-fs", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Nondemotable: true, Description: "recursively and forcibly removes files without confirmation"},
	{Name: "pwsh-format-volume", Regex: `(?i)\bFormat-Volume\b`, Risk: model.RiskCritical, Category: "destructive-disk", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Nondemotable: true, Description: "formats a disk volume"},
	{Name: "pwsh-clear-disk", Regex: `(?i)\bClear-Disk\b`, Risk: model.RiskCritical, Category: "destructive-disk", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Nondemotable: true, Description: "wipes a disk's partition table"},
	{Name: "pwsh-set-executionpolicy-unrestricted", Regex: `(?i)\bSet-ExecutionPolicy\b.*\bUnrestricted\b`, Risk: model.RiskHigh, Category: "system-integrity", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Description: "disables PowerShell's script execution safeguard"},
	{Name: "pwsh-stop-computer", Regex: `(?i)\b(Stop-Computer|Restart-Computer)\b`, Risk: model.RiskHigh, Category: "system-state", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Description: "shuts down or restarts the host"},
	{Name: "pwsh-invoke-expression-remote", Regex: `(?i)\bIEX\b.*\(New-Object\s+Net\.WebClient\)|Invoke-Expression.*DownloadString`, Risk: model.RiskHigh, Category: "remote-code-execution", AppliesTo: []model.ShellKind{model.ShellPowerShell}, Description: "downloads and evaluates a remote script in-process"},

	// Cmd.exe-specific idioms.
	{Name: "cmd-rd-recursive", Regex: `(?i)\brd\s+/s\s+/q\b|\brmdir\s+/s\s+/q\b`, Risk: model.RiskHigh, Category: "destructive-fs", AppliesTo: []model.ShellKind{model.ShellCmd}, Description: "recursively removes a directory tree without confirmation"},
	{Name: "cmd-format-drive", Regex: `(?i)\bformat\s+[a-z]:`, Risk: model.RiskCritical, Category: "destructive-disk", AppliesTo: []model.ShellKind{model.ShellCmd}, Nondemotable: true, Description: "formats a drive letter"},
	{Name: "cmd-del-force-subdir", Regex: `(?i)\bdel\s+/f\s+/s\s+/q\b`, Risk: model.RiskHigh, Category: "destructive-fs", AppliesTo: []model.ShellKind{model.ShellCmd}, Description: "force-deletes files recursively without confirmation"},
}

// buildBuckets compiles builtin ++ custom into per-shell buckets. Each
// Engine gets its own buckets so that config-supplied custom_patterns never
// mutate shared, package-level state.
func buildBuckets(custom []model.Pattern) ([model.NumShellKinds][]compiledPattern, error) {
	var out [model.NumShellKinds][]compiledPattern

	all := make([]model.Pattern, 0, len(patternTable)+len(custom))
	all = append(all, patternTable...)
	all = append(all, custom...)

	compiled := make([]compiledPattern, len(all))
	for i, p := range all {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return out, fmt.Errorf("compile pattern %q: %w", p.Name, err)
		}
		compiled[i] = compiledPattern{Pattern: p, re: re}
	}
	for shell := 0; shell < int(model.NumShellKinds); shell++ {
		for _, cp := range compiled {
			if len(cp.AppliesTo) == 0 || shellApplies(cp.AppliesTo, model.ShellKind(shell)) {
				out[shell] = append(out[shell], cp)
			}
		}
	}
	return out, nil
}

func shellApplies(appliesTo []model.ShellKind, s model.ShellKind) bool {
	for _, k := range appliesTo {
		if k == s {
			return true
		}
	}
	return false
}
