package nl2sql

import "strings"

const fence = "```"

// ExtractSQL returns the body of the first ```sql, ```duckdb or bare fenced
// block in response and the number of such blocks found. An unclosed block
// runs to the end of the response.
func ExtractSQL(response string) (string, int) {
	var first string
	count := 0
	rest := response
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			break
		}
		rest = rest[open+len(fence):]

		info := rest
		bodyStart := len(rest)
		if newline := strings.IndexByte(rest, '\n'); newline >= 0 {
			info = rest[:newline]
			bodyStart = newline + 1
		}
		lang := ""
		if fields := strings.Fields(info); len(fields) > 0 {
			lang = strings.ToLower(fields[0])
		}
		if strings.Contains(info, fence) {
			// one-line block: ```SELECT 1```
			closeAt := strings.Index(info, fence)
			body := info[:closeAt]
			rest = rest[closeAt+len(fence):]
			if body = strings.TrimSpace(trimLang(body)); body != "" {
				count++
				if count == 1 {
					first = body
				}
			}
			continue
		}

		body := rest[bodyStart:]
		closeAt := strings.Index(body, fence)
		if closeAt >= 0 {
			rest = body[closeAt+len(fence):]
			body = body[:closeAt]
		} else {
			rest = ""
		}
		if lang != "" && lang != "sql" && lang != "duckdb" {
			continue
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		count++
		if count == 1 {
			first = body
		}
	}
	return first, count
}

func trimLang(body string) string {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)
	for _, tag := range []string{"sql ", "duckdb "} {
		if strings.HasPrefix(lower, tag) {
			return trimmed[len(tag):]
		}
	}
	return trimmed
}
