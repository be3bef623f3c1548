package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject 从模型返回的自由文本中提取并解析一个 JSON 对象。
// 依次处理三种情况：
//  1. ```json 或 ``` 围栏包裹的 JSON
//  2. 混在说明文字里的裸 JSON（取第一个 '{' 到最后一个 '}'）
//  3. 截断的 JSON（缺少右括号）——按未闭合的括号栈补全后重试
//
// 解析失败返回错误，调用方应替换为保守默认值而不是重试。
func ExtractJSONObject(text string, out any) error {
	candidate := stripFences(text)

	start := strings.IndexByte(candidate, '{')
	if start < 0 {
		return fmt.Errorf("no JSON object in response")
	}
	end := strings.LastIndexByte(candidate, '}')
	if end > start {
		if err := json.Unmarshal([]byte(candidate[start:end+1]), out); err == nil {
			return nil
		}
	}

	// 截断修复：从 '{' 起补全未闭合的括号
	repaired := repairTruncated(candidate[start:])
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}

// stripFences 去掉 markdown 代码围栏。
func stripFences(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// repairTruncated 为截断的 JSON 补全右括号。
// 只处理简单截断（响应在对象/数组中间被切断），不处理字符串值内部截断以外的花式错误。
func repairTruncated(s string) string {
	s = strings.TrimSpace(s)

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	// 字符串值中间被截断：先闭合字符串
	if inString {
		s += `"`
	}
	// 去掉悬挂的逗号/冒号，避免补全后仍非法
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimRight(s, ",:")

	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// CoerceInt 将任意 JSON 解码值规整为整数。
// 模型偶尔返回 "85"、85.0 甚至 "score: 85" 这类值。
func CoerceInt(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		digits := strings.Builder{}
		for _, r := range n {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			} else if digits.Len() > 0 {
				break
			}
		}
		if digits.Len() > 0 {
			var i int
			fmt.Sscanf(digits.String(), "%d", &i)
			return i
		}
	}
	return fallback
}

// CoerceStringList 将任意 JSON 解码值规整为字符串列表。
// 处理模型把 findings 返回成单个字符串或对象数组的情况。
func CoerceStringList(v any) []string {
	switch l := v.(type) {
	case nil:
		return nil
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, CoerceString(item, ""))
		}
		return out
	default:
		return []string{CoerceString(v, "")}
	}
}

// CoerceString 将任意 JSON 解码值规整为字符串。
// 结构化对象被序列化为紧凑 JSON，保证展示层拿到的永远是纯文本。
func CoerceString(v any, fallback string) string {
	switch s := v.(type) {
	case nil:
		return fallback
	case string:
		if s == "" {
			return fallback
		}
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fallback
		}
		return string(data)
	}
}
