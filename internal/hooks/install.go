package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	PreToolUseName   = "mnemo-pre-tool-use"
	PostToolUseName  = "mnemo-post-tool-use"
	NotificationName = "mnemo-notification"
)

// HookEntry is one entry in a settings file's hooks.<Kind> array.
type HookEntry struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Generate renders all three hook scripts under dir/hooks and returns
// their paths.
func Generate(dir, guardrailsText, eventsLogPath string) (preToolUsePath, postToolUsePath, notificationPath string, err error) {
	hooksDir := filepath.Join(dir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return "", "", "", fmt.Errorf("hooks: create hooks dir: %w", err)
	}

	pre, err := PreToolUseScript(guardrailsText)
	if err != nil {
		return "", "", "", err
	}
	post, err := PostToolUseScript(eventsLogPath)
	if err != nil {
		return "", "", "", err
	}
	notif, err := NotificationScript()
	if err != nil {
		return "", "", "", err
	}

	preToolUsePath = filepath.Join(hooksDir, "pre_tool_use")
	postToolUsePath = filepath.Join(hooksDir, "post_tool_use")
	notificationPath = filepath.Join(hooksDir, "notification")

	for path, content := range map[string]string{
		preToolUsePath:   pre,
		postToolUsePath:  post,
		notificationPath: notif,
	} {
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			return "", "", "", fmt.Errorf("hooks: write %s: %w", path, err)
		}
	}
	return preToolUsePath, postToolUsePath, notificationPath, nil
}

// Install merges stable-named hook entries into settingsPath's
// hooks.PreToolUse / hooks.PostToolUse / hooks.Notification arrays,
// preserving every other key in the document via a generic map decode.
func Install(settingsPath, preToolUsePath, postToolUsePath, notificationPath string) error {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return err
	}

	hooksSection, _ := settings["hooks"].(map[string]any)
	if hooksSection == nil {
		hooksSection = map[string]any{}
	}

	hooksSection["PreToolUse"] = upsertHook(toEntries(hooksSection["PreToolUse"]), HookEntry{Name: PreToolUseName, Command: preToolUsePath})
	hooksSection["PostToolUse"] = upsertHook(toEntries(hooksSection["PostToolUse"]), HookEntry{Name: PostToolUseName, Command: postToolUsePath})
	hooksSection["Notification"] = upsertHook(toEntries(hooksSection["Notification"]), HookEntry{Name: NotificationName, Command: notificationPath})

	settings["hooks"] = hooksSection
	return writeSettings(settingsPath, settings)
}

// Uninstall removes only the stable-named entries this package installs,
// leaving any other hook entries untouched.
func Uninstall(settingsPath string) error {
	settings, err := readSettings(settingsPath)
	if err != nil {
		return err
	}
	hooksSection, _ := settings["hooks"].(map[string]any)
	if hooksSection == nil {
		return nil
	}

	hooksSection["PreToolUse"] = removeHook(toEntries(hooksSection["PreToolUse"]), PreToolUseName)
	hooksSection["PostToolUse"] = removeHook(toEntries(hooksSection["PostToolUse"]), PostToolUseName)
	hooksSection["Notification"] = removeHook(toEntries(hooksSection["Notification"]), NotificationName)

	settings["hooks"] = hooksSection
	return writeSettings(settingsPath, settings)
}

func toEntries(raw any) []HookEntry {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []HookEntry
	for _, item := range list {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var entry HookEntry
		if err := json.Unmarshal(data, &entry); err == nil {
			out = append(out, entry)
		}
	}
	return out
}

func upsertHook(entries []HookEntry, next HookEntry) []HookEntry {
	for i, e := range entries {
		if e.Name == next.Name {
			entries[i] = next
			return entries
		}
	}
	return append(entries, next)
}

func removeHook(entries []HookEntry, name string) []HookEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return out
}

func readSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("hooks: read settings: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("hooks: decode settings: %w", err)
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("hooks: encode settings: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hooks: create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("hooks: create temp settings: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hooks: write temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hooks: close temp settings: %w", err)
	}
	return os.Rename(tmpPath, path)
}
