package linkextract

import (
	"reflect"
	"testing"

	"github.com/flybasist/linkwatch/internal/models"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Links
	}{
		{"empty", "   ", nil},
		{"no links", "just chatting", nil},
		{
			"pan115",
			"Check this out https://115.com/s/abc123",
			Links{models.LinkPan115: {"https://115.com/s/abc123"}},
		},
		{
			"pan115 with password and punctuation",
			"新片 https://115cdn.com/s/sw3xyz?password=ab12。",
			Links{models.LinkPan115: {"https://115cdn.com/s/sw3xyz?password=ab12"}},
		},
		{
			"duplicates keep first order",
			"https://pan.quark.cn/s/bbb https://pan.quark.cn/s/aaa https://pan.quark.cn/s/bbb",
			Links{models.LinkQuark: {"https://pan.quark.cn/s/bbb", "https://pan.quark.cn/s/aaa"}},
		},
		{
			"mixed types",
			"ali: https://www.alipan.com/s/Q1w2 baidu: https://pan.baidu.com/s/1abc-D?pwd=x1y2 magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
			Links{
				models.LinkAliyun: {"https://www.alipan.com/s/Q1w2"},
				models.LinkBaidu:  {"https://pan.baidu.com/s/1abc-D?pwd=x1y2"},
				models.LinkMagnet: {"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"},
			},
		},
		{
			"ed2k",
			"ed2k://|file|movie.mkv|123456|0123456789ABCDEF0123456789ABCDEF|/ done",
			Links{models.LinkEd2k: {"ed2k://|file|movie.mkv|123456|0123456789ABCDEF0123456789ABCDEF|/"}},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Extract(c.text)
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("Extract(%q) = %v, want %v", c.text, got, c.want)
			}
		})
	}
}

func TestParsePan115(t *testing.T) {
	cases := []struct {
		url, text     string
		share, receive string
	}{
		{"https://115.com/s/abc123", "", "abc123", ""},
		{"https://115.com/s/abc123?password=x9y8", "", "abc123", "x9y8"},
		{"https://115.com/s/abc123", "访问码：q1w2", "abc123", "q1w2"},
		{"https://anxia.com/s/zzz", "password: 1234", "zzz", "1234"},
	}
	for _, c := range cases {
		share, receive := ParsePan115(c.url, c.text)
		if share != c.share || receive != c.receive {
			t.Errorf("ParsePan115(%q, %q) = (%q, %q), want (%q, %q)", c.url, c.text, share, receive, c.share, c.receive)
		}
	}
}

func TestLinksClone(t *testing.T) {
	src := Links{models.LinkPan115: {"a"}}
	dst := src.Clone()
	dst[models.LinkPan115][0] = "b"
	if src[models.LinkPan115][0] != "a" {
		t.Fatal("Clone must not share slices")
	}
	if src.Count() != 1 {
		t.Fatalf("expected Count()=1, got %d", src.Count())
	}
}
