package core

import (
	"github.com/flybasist/linkwatch/internal/filter"
	"github.com/flybasist/linkwatch/internal/models"
)

// Причины, по которым правило не применилось к сообщению.
const (
	SkipSender   = "sender_filtered"
	SkipExcluded = "excluded_keyword"
	SkipNoMatch  = "no_keyword_match"
)

// FilterResult — итог фильтров правила для сообщения.
type FilterResult struct {
	Passed   bool
	Reason   string   // одна из Skip*, если Passed == false
	Keywords []string // совпавшие include-слова
}

// ApplyRuleFilters проверяет отправителя, стоп-слова и ключевые слова правила.
// Порядок: отправитель, затем исключения, затем include. Пустой include — любое сообщение.
// Совпадения считаются через контекст, так что разные правила с одинаковыми
// списками слов делят один результат.
func ApplyRuleFilters(mc *MessageContext, rule *models.Rule) FilterResult {
	if !filter.MatchSender(rule.SenderMode, rule.SenderIDs, mc.Message.SenderID()) {
		return FilterResult{Reason: SkipSender}
	}
	if len(rule.ExcludeKeywords) > 0 && len(mc.MatchedKeywords(rule.ExcludeKeywords)) > 0 {
		return FilterResult{Reason: SkipExcluded}
	}
	if len(rule.IncludeKeywords) == 0 {
		return FilterResult{Passed: true}
	}
	matched := mc.MatchedKeywords(rule.IncludeKeywords)
	if len(matched) == 0 {
		return FilterResult{Reason: SkipNoMatch}
	}
	return FilterResult{Passed: true, Keywords: matched}
}
