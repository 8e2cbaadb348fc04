package jira

import "strings"

// adfDocument renders plain text as an Atlassian Document Format body with
// one paragraph per line. Empty lines become empty paragraphs so spacing
// survives the round trip.
func adfDocument(text string) map[string]interface{} {
	lines := strings.Split(text, "\n")
	content := make([]map[string]interface{}, 0, len(lines))
	for _, line := range lines {
		para := map[string]interface{}{"type": "paragraph"}
		if line != "" {
			para["content"] = []map[string]interface{}{
				{"type": "text", "text": line},
			}
		}
		content = append(content, para)
	}
	return map[string]interface{}{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}

// adfToText flattens an ADF body back to plain text, one line per
// paragraph. Non-text nodes are dropped.
func adfToText(doc map[string]interface{}) string {
	content, _ := doc["content"].([]interface{})
	var lines []string
	for _, node := range content {
		para, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		var b strings.Builder
		inner, _ := para["content"].([]interface{})
		for _, frag := range inner {
			fm, ok := frag.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := fm["text"].(string); ok {
				b.WriteString(text)
			}
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}
