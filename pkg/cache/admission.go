package cache

import (
	"regexp"
	"strings"
	"time"
)

// Statements beginning with one of these are writes or DDL and never cached.
var writePrefixes = []string{"insert", "update", "delete", "create", "alter", "drop"}

// Constructs whose value changes between executions of the same statement.
var volatileConstructs = []string{"now()", "current_timestamp", "current_date", "current_time", "random()"}

// tableRefPattern matches the identifier that follows a table-introducing
// keyword in a normalized statement. It is a textual heuristic: quoted and
// schema-qualified names are captured as written, and a subquery after FROM
// yields no match.
var tableRefPattern = regexp.MustCompile(`\b(?:insert into|delete from|from|join|update)\s+([^\s,;()]+)`)

// IsWriteStatement reports whether the statement is a write or DDL statement.
func IsWriteStatement(statement string) bool {
	normalized := NormalizeStatement(statement)
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// IsVolatile reports whether the statement references a non-deterministic
// construct such as now() or random().
func IsVolatile(statement string) bool {
	normalized := NormalizeStatement(statement)
	for _, construct := range volatileConstructs {
		if strings.Contains(normalized, construct) {
			return true
		}
	}
	return false
}

// ShouldCache reports whether a statement that took executionTime to run is
// eligible for caching under the engine's admission policy.
//
// All of the following must hold:
//   - the statement is not a write or DDL statement
//   - the statement contains no volatile construct
//   - MinExecutionTime <= executionTime <= MaxExecutionTime
func (e *Engine) ShouldCache(statement string, executionTime time.Duration) bool {
	return admit(e.cfg, statement, executionTime)
}

func admit(cfg Config, statement string, executionTime time.Duration) bool {
	if IsWriteStatement(statement) || IsVolatile(statement) {
		return false
	}
	if executionTime < cfg.MinExecutionTime {
		return false
	}
	return executionTime <= cfg.MaxExecutionTime
}

// ExtractTables returns the table names a statement references, in order of
// first appearance, lowercased and without duplicates.
//
// Names are found after FROM, JOIN, UPDATE, INSERT INTO and DELETE FROM.
// Returns nil when nothing matches, in which case the entry cannot be
// invalidated by table.
func ExtractTables(statement string) []string {
	matches := tableRefPattern.FindAllStringSubmatch(NormalizeStatement(statement), -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	var tables []string
	for _, match := range matches {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

// normalizeTables lowercases and deduplicates caller-supplied table names.
func normalizeTables(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
