package migrate

import (
	"regexp"
	"strconv"
)

var (
	streakRoleKey = regexp.MustCompile(`^role(\d+)day$`)
	levelRoleKey  = regexp.MustCompile(`^role(?:Level)?(\d+)$`)
)

// Config upgrades a raw guild config to the current shape. Legacy sections
// (streakSystem, levelSystem, messageLeaderSystem, reportSettings) are
// folded into their replacements only when the replacement is absent.
// Legacy keys that have no replacement are kept under "legacy". The input
// is not modified.
func Config(raw map[string]any) map[string]any {
	cfg, _ := deepCopy(raw).(map[string]any)
	if cfg == nil {
		cfg = make(map[string]any)
	}
	leftovers := objectOr(cfg["legacy"])

	if legacy, ok := takeObject(cfg, "streakSystem"); ok {
		if _, exists := cfg["streak"]; !exists {
			streak := map[string]any{}
			moveBool(legacy, "enabled", streak, "enabled")
			if n, ok := toInt(legacy["streakThreshold"]); ok {
				streak["thresholdMessages"] = n
				delete(legacy, "streakThreshold")
			}
			moveString(legacy, "enabledDate", streak, "enabledAt")
			moveString(legacy, "channelStreakOutput", streak, "outputChannelId")
			streak["milestoneRoleByDay"] = takeRoleKeys(legacy, streakRoleKey)
			cfg["streak"] = streak
		}
		keepLeftovers(leftovers, "streakSystem", legacy)
	}

	if legacy, ok := takeObject(cfg, "levelSystem"); ok {
		if _, exists := cfg["level"]; !exists {
			level := map[string]any{}
			moveBool(legacy, "enabled", level, "enabled")
			if n, ok := toInt(legacy["xpPerMessage"]); ok {
				level["xpPerMessage"] = n
				delete(legacy, "xpPerMessage")
			}
			if f, ok := toFloat(legacy["levelMultiplier"]); ok {
				level["levelMultiplier"] = f
				delete(legacy, "levelMultiplier")
			}
			moveBool(legacy, "levelUpMessages", level, "levelUpMessages")
			moveString(legacy, "channelLevelUp", level, "levelUpChannelId")
			roles := takeRoleKeys(legacy, levelRoleKey)
			if rewards, ok := legacy["rewards"].(map[string]any); ok {
				for k, v := range rewards {
					if _, err := strconv.Atoi(k); err != nil {
						continue
					}
					if s, ok := v.(string); ok && s != "" {
						if _, taken := roles[k]; !taken {
							roles[k] = s
						}
						delete(rewards, k)
					}
				}
				if len(rewards) == 0 {
					delete(legacy, "rewards")
				}
			}
			level["milestoneRoleByLevel"] = roles
			cfg["level"] = level
		}
		keepLeftovers(leftovers, "levelSystem", legacy)
	}

	if legacy, ok := takeObject(cfg, "messageLeaderSystem"); ok {
		if _, exists := cfg["messageLeader"]; !exists {
			leader := map[string]any{}
			moveBool(legacy, "enabled", leader, "enabled")
			moveString(legacy, "roleMessageLeader", leader, "roleId")
			moveString(legacy, "channelMessageLeader", leader, "channelId")
			cfg["messageLeader"] = leader
		}
		keepLeftovers(leftovers, "messageLeaderSystem", legacy)
	}

	if legacy, ok := takeObject(cfg, "reportSettings"); ok {
		if _, exists := cfg["reports"]; !exists {
			reports := map[string]any{}
			moveString(legacy, "weeklyReportChannel", reports, "weeklyChannelId")
			moveString(legacy, "monthlyReportChannel", reports, "monthlyChannelId")
			cfg["reports"] = reports
		}
		keepLeftovers(leftovers, "reportSettings", legacy)
	}

	if len(leftovers) > 0 {
		cfg["legacy"] = leftovers
	}
	return cfg
}

func takeObject(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	delete(m, key)
	obj, ok := v.(map[string]any)
	if !ok {
		// Not an object; keep the value rather than lose it
		return map[string]any{"value": v}, true
	}
	return obj, true
}

func keepLeftovers(leftovers map[string]any, section string, rest map[string]any) {
	if len(rest) == 0 {
		return
	}
	if _, exists := leftovers[section]; !exists {
		leftovers[section] = rest
	}
}

func moveBool(from map[string]any, fromKey string, to map[string]any, toKey string) {
	if b, ok := toBool(from[fromKey]); ok {
		to[toKey] = b
		delete(from, fromKey)
	}
}

// moveString moves a non-empty string. Empty legacy strings are dropped.
func moveString(from map[string]any, fromKey string, to map[string]any, toKey string) {
	v, ok := from[fromKey]
	if !ok {
		return
	}
	if s, ok := v.(string); ok {
		if s != "" {
			to[toKey] = s
		}
		delete(from, fromKey)
	}
}

// takeRoleKeys removes every key matching pattern and returns the roles by
// their numeric milestone
func takeRoleKeys(m map[string]any, pattern *regexp.Regexp) map[string]any {
	roles := map[string]any{}
	for k, v := range m {
		match := pattern.FindStringSubmatch(k)
		if match == nil {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 {
			continue
		}
		roles[strconv.Itoa(n)] = s
		delete(m, k)
	}
	return roles
}
