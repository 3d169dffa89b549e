// Package linkextract извлекает типизированные ссылки на облачные хранилища и
// p2p-ресурсы из текста сообщения.
package linkextract

import (
	"regexp"
	"strings"

	"github.com/flybasist/linkwatch/internal/models"
)

// Links — упорядоченное множество URL по типам ссылок.
// Порядок внутри типа — порядок первого появления в тексте.
type Links map[models.LinkType][]string

// Count возвращает общее количество ссылок.
func (l Links) Count() int {
	n := 0
	for _, urls := range l {
		n += len(urls)
	}
	return n
}

// Clone делает независимую копию (кеш и контекст не должны делить срезы).
func (l Links) Clone() Links {
	if l == nil {
		return nil
	}
	out := make(Links, len(l))
	for t, urls := range l {
		out[t] = append([]string(nil), urls...)
	}
	return out
}

var patterns = map[models.LinkType]*regexp.Regexp{
	models.LinkPan115: regexp.MustCompile(`(?i)https?://(?:www\.)?(?:115\.com|115cdn\.com|anxia\.com)/s/[a-z0-9]+(?:\?[^\s#]*)?`),
	models.LinkAliyun: regexp.MustCompile(`(?i)https?://(?:www\.)?(?:aliyundrive\.com|alipan\.com)/s/[a-z0-9]+`),
	models.LinkQuark:  regexp.MustCompile(`(?i)https?://pan\.quark\.cn/s/[a-z0-9]+`),
	models.LinkBaidu:  regexp.MustCompile(`(?i)https?://pan\.baidu\.com/s/[a-z0-9_\-]+(?:\?pwd=[a-z0-9]+)?`),
	models.LinkTianyi: regexp.MustCompile(`(?i)https?://cloud\.189\.cn/(?:t/|web/share\?code=)[a-z0-9]+`),
	models.LinkMagnet: regexp.MustCompile(`(?i)magnet:\?xt=urn:btih:[a-z0-9]{32,40}[^\s]*`),
	models.LinkEd2k:   regexp.MustCompile(`(?i)ed2k://\|file\|[^\s]+?\|/`),
}

// trailing — знаки препинания, которые часто прилипают к ссылке в тексте.
const trailing = `.,;:!?)]}>"'。，；：！？）】》`

// Extract находит все ссылки известных типов.
// Результат без пустых типов; nil, если ссылок нет.
func Extract(text string) Links {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out Links
	for _, lt := range models.KnownLinkTypes {
		matches := patterns[lt].FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}

		seen := make(map[string]struct{}, len(matches))
		var urls []string
		for _, m := range matches {
			m = strings.TrimRight(m, trailing)
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			urls = append(urls, m)
		}

		if out == nil {
			out = make(Links)
		}
		out[lt] = urls
	}
	return out
}

var (
	pan115Code     = regexp.MustCompile(`(?i)/s/([a-z0-9]+)`)
	pan115Password = regexp.MustCompile(`(?i)[?&]password=([a-z0-9]{4})`)
	// Русский комментарий: код доступа часто пишут отдельно от ссылки: «访问码：abcd», «提取码 abcd».
	textPassword = regexp.MustCompile(`(?i)(?:访问码|提取码|密码|password|pwd)\s*[:：=]?\s*([a-z0-9]{4})`)
)

// ParsePan115 достаёт share code и receive code из ссылки 115.
// Если код доступа не указан в URL, ищем его в тексте сообщения.
func ParsePan115(url, text string) (shareCode, receiveCode string) {
	if m := pan115Code.FindStringSubmatch(url); len(m) == 2 {
		shareCode = m[1]
	}
	if m := pan115Password.FindStringSubmatch(url); len(m) == 2 {
		return shareCode, m[1]
	}
	if m := textPassword.FindStringSubmatch(text); len(m) == 2 {
		receiveCode = m[1]
	}
	return shareCode, receiveCode
}
