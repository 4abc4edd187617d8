package migrate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/devrev/streakd/internal/model"
)

// CurrentUserVersion is the schema version User produces
const CurrentUserVersion = model.UserSchemaVersion

// userSteps[v] upgrades a record from version v to v+1
var userSteps = []func(map[string]any){
	foldLegacyFlatFields,
	renameLegacyKeys,
}

// User upgrades one raw user record to the current schema. The input is
// not modified. Keys the migrator does not know are carried over as is.
// Applying User to its own output returns an equal record.
func User(raw map[string]any) map[string]any {
	rec, _ := deepCopy(raw).(map[string]any)
	if rec == nil {
		rec = make(map[string]any)
	}

	version := schemaVersion(rec)
	for v := version; v < len(userSteps); v++ {
		userSteps[v](rec)
	}
	backfillUser(rec)

	if version < CurrentUserVersion {
		version = CurrentUserVersion
	}
	rec["schemaVersion"] = intNumber(int64(version))
	return rec
}

// Users migrates every record of a user table
func Users(raw map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(raw))
	for id, rec := range raw {
		out[id] = User(rec)
	}
	return out
}

func schemaVersion(rec map[string]any) int {
	n, ok := toInt(rec["schemaVersion"])
	if !ok {
		return 0
	}
	v, _ := n.Int64()
	if v < 0 {
		return 0
	}
	return int(v)
}

// foldLegacyFlatFields moves xp and level into experience and the
// lastMessage* fields into lastMessage
func foldLegacyFlatFields(rec map[string]any) {
	xp, hasXP := rec["xp"]
	level, hasLevel := rec["level"]
	if hasXP || hasLevel {
		if _, ok := rec["experience"].(map[string]any); !ok {
			exp := map[string]any{}
			if hasXP {
				exp["totalXp"] = xp
			}
			if hasLevel {
				exp["level"] = level
			}
			rec["experience"] = exp
		}
		delete(rec, "xp")
		delete(rec, "level")
	}

	at, hasAt := rec["lastMessageTime"]
	content, hasContent := rec["lastMessageContent"]
	date, hasDate := rec["lastActiveDate"]
	if hasAt || hasContent || hasDate {
		if _, ok := rec["lastMessage"].(map[string]any); !ok {
			last := map[string]any{}
			if hasAt {
				last["at"] = at
			}
			if hasContent {
				last["content"] = content
			}
			if hasDate {
				last["date"] = date
			}
			rec["lastMessage"] = last
		}
		delete(rec, "lastMessageTime")
		delete(rec, "lastMessageContent")
		delete(rec, "lastActiveDate")
	}
}

// renameLegacyKeys maps the short legacy key names to the current ones
func renameLegacyKeys(rec map[string]any) {
	rename(rec, "messages", "messageCount")
	rename(rec, "threshold", "thresholdRemaining")
	rename(rec, "receivedDaily", "receivedDailyCredit")
	rename(rec, "lastStreakLoss", "lastStreakLossAt")
	rename(rec, "milestones", "milestonesAchieved")
	rename(rec, "boosters", "boosterMultiplier")

	if entries, ok := rec["messageHeatmap"].([]any); ok {
		for _, e := range entries {
			if entry, ok := e.(map[string]any); ok {
				rename(entry, "messages", "count")
			}
		}
	}
	if entries, ok := rec["milestonesAchieved"].([]any); ok {
		for _, e := range entries {
			if entry, ok := e.(map[string]any); ok {
				rename(entry, "date", "achievedAt")
			}
		}
	}
	if last, ok := rec["lastMessage"].(map[string]any); ok {
		rename(last, "time", "at")
	}
}

var userIntFields = []string{
	"messageCount",
	"totalMessages",
	"streak",
	"highestStreak",
	"thresholdRemaining",
	"activeDaysCount",
	"longestInactivePeriod",
	"messageLeaderWins",
	"highestMessageCount",
	"mostConsecutiveLeader",
	"currentLeaderRun",
	"daysTracked",
}

// backfillUser gives every known field a value of the right type
func backfillUser(rec map[string]any) {
	for _, key := range userIntFields {
		rec[key] = intOr(rec[key], 0)
	}
	for _, key := range []string{"thresholdRemaining", "streak", "highestStreak"} {
		if n, _ := rec[key].(json.Number).Int64(); n < 0 {
			rec[key] = intNumber(0)
		}
	}

	if b, ok := toBool(rec["receivedDailyCredit"]); ok {
		rec["receivedDailyCredit"] = b
	} else {
		rec["receivedDailyCredit"] = false
	}

	if f, ok := toFloat(rec["averageMessagesPerDay"]); ok {
		rec["averageMessagesPerDay"] = f
	} else {
		rec["averageMessagesPerDay"] = intNumber(0)
	}
	if f, ok := toFloat(rec["boosterMultiplier"]); ok {
		rec["boosterMultiplier"] = f
	} else {
		rec["boosterMultiplier"] = intNumber(1)
	}

	if ts, ok := toTimestamp(rec["lastStreakLossAt"]); ok {
		rec["lastStreakLossAt"] = ts
	} else {
		rec["lastStreakLossAt"] = nil
	}

	exp := objectOr(rec["experience"])
	exp["totalXp"] = intOr(exp["totalXp"], 0)
	exp["level"] = intOr(exp["level"], 0)
	rec["experience"] = exp

	last := objectOr(rec["lastMessage"])
	last["at"] = intOr(last["at"], 0)
	last["content"] = stringOr(last["content"], "")
	last["date"] = stringOr(last["date"], "")
	rec["lastMessage"] = last

	mentions := objectOr(rec["mentionsRepliesCount"])
	mentions["mentions"] = intOr(mentions["mentions"], 0)
	mentions["replies"] = intOr(mentions["replies"], 0)
	rec["mentionsRepliesCount"] = mentions

	rec["messageHeatmap"] = normalizeHeatmap(rec["messageHeatmap"])
	rec["milestonesAchieved"] = normalizeMilestones(rec["milestonesAchieved"])
	rec["rolesAchieved"] = stringList(rec["rolesAchieved"])
	rec["channelsParticipated"] = stringList(rec["channelsParticipated"])
}

// normalizeHeatmap keeps one entry per date in chronological order,
// summing counts of duplicate dates
func normalizeHeatmap(v any) []any {
	items, _ := v.([]any)
	counts := make(map[string]int64)
	extras := make(map[string]map[string]any)
	var dates []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		date, ok := entry["date"].(string)
		if !ok {
			continue
		}
		if _, err := time.Parse(model.DateLayout, date); err != nil {
			continue
		}
		n, _ := intOr(entry["count"], 0).Int64()
		if _, seen := counts[date]; !seen {
			dates = append(dates, date)
			extras[date] = entry
		}
		counts[date] += n
	}
	sort.Strings(dates)

	out := make([]any, 0, len(dates))
	for _, date := range dates {
		entry := extras[date]
		entry["date"] = date
		entry["count"] = intNumber(counts[date])
		out = append(out, entry)
	}
	return out
}

func normalizeMilestones(v any) []any {
	items, _ := v.([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		milestone, ok := toInt(entry["milestone"])
		if !ok {
			continue
		}
		entry["milestone"] = milestone
		if ts, ok := toTimestamp(entry["achievedAt"]); ok {
			entry["achievedAt"] = ts
		} else {
			entry["achievedAt"] = time.Time{}.Format(time.RFC3339Nano)
		}
		out = append(out, entry)
	}
	return out
}

func intOr(v any, def int64) json.Number {
	if n, ok := toInt(v); ok {
		return n
	}
	return intNumber(def)
}

func stringOr(v any, def string) string {
	if s, ok := toString(v); ok {
		return s
	}
	return def
}

func objectOr(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
