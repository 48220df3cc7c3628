package protection

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pemistahl/lingua-go"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

const languageName = "language"

var (
	globalDetectorOnce sync.Once
	globalDetector     lingua.LanguageDetector
	buildLookupOnce    sync.Once
	languageLookupMap  map[string]lingua.Language

	// Links, addresses, user IDs, hashtags and tokens with digits carry no
	// language signal.
	contentCleanerRegex = regexp.MustCompile(`((https?|wss?)://|www\.)[^\s/?.#-]+\S*|[a-zA-Z0-9.!$%&'+_\x60\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,64}|@[^\s:]+:\S+|#\S+|[a-zA-Z]*[0-9]+[a-zA-Z0-9]*`)
)

// GlobalDetector is a detector for every supported language, built once.
func GlobalDetector() lingua.LanguageDetector {
	globalDetectorOnce.Do(func() {
		globalDetector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithLowAccuracyMode().
			WithPreloadedLanguageModels().
			Build()
	})
	return globalDetector
}

func buildLanguageLookupMap() {
	allLangs := lingua.AllLanguages()
	languageLookupMap = make(map[string]lingua.Language, len(allLangs)*3)
	for _, lang := range allLangs {
		languageLookupMap[strings.ToLower(lang.String())] = lang
		languageLookupMap[strings.ToLower(lang.IsoCode639_1().String())] = lang
		languageLookupMap[strings.ToLower(lang.IsoCode639_3().String())] = lang
	}
}

// ParseLanguage accepts an English language name or an ISO 639-1 or
// 639-3 code.
func ParseLanguage(s string) (lingua.Language, error) {
	buildLookupOnce.Do(buildLanguageLookupMap)
	if lang, ok := languageLookupMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lang, nil
	}
	return lingua.Unknown, fmt.Errorf("unsupported language %q", s)
}

// Language redacts messages written in a language that is not allowed.
// Senders with an accepted message are trusted for a while.
type Language struct {
	detectorOnce sync.Once
	detector     lingua.LanguageDetector

	settings  *Settings
	allowed   *ListSetting[lingua.Language]
	minLength *IntSetting
	approved  *lru.LRU[string, struct{}]
}

// NewLanguage uses detector when non-nil and the global detector
// otherwise, loaded on first use.
func NewLanguage(detector lingua.LanguageDetector) *Language {
	p := &Language{
		detector:  detector,
		allowed:   NewListSetting("allowed_languages", ParseLanguage),
		minLength: NewIntSetting("min_length", 20, 0, 10_000),
		approved:  lru.NewLRU[string, struct{}](50_000, nil, time.Hour),
	}
	p.settings = NewSettings(p.allowed, p.minLength)
	return p
}

func (p *Language) Name() string { return languageName }
func (p *Language) Description() string {
	return "Redacts messages that are not written in an allowed language"
}
func (p *Language) Settings() *Settings { return p.settings }

func (p *Language) getDetector() lingua.LanguageDetector {
	p.detectorOnce.Do(func() {
		if p.detector == nil {
			p.detector = GlobalDetector()
		}
	})
	return p.detector
}

func (p *Language) HandleEvent(_ context.Context, roomID string, evt *matrix.Event) (*action.Consequence, error) {
	allowed := p.allowed.Get()
	if len(allowed) == 0 || !isMessage(evt) || evt.MsgType() == "m.notice" {
		return nil, nil
	}
	minLength := p.minLength.Get()
	body := evt.Body()
	if len(body) < minLength {
		return nil, nil
	}
	cacheKey := roomID + "|" + evt.Sender
	if _, ok := p.approved.Get(cacheKey); ok {
		return nil, nil
	}

	cleaned := strings.TrimSpace(contentCleanerRegex.ReplaceAllString(body, ""))
	if len(cleaned) < minLength {
		return nil, nil
	}
	detected, ok := p.getDetector().DetectLanguageOf(cleaned)
	if !ok {
		// Undetectable text gets the benefit of the doubt.
		return nil, nil
	}
	for _, lang := range allowed {
		if lang == detected {
			p.approved.Add(cacheKey, struct{}{})
			return nil, nil
		}
	}
	code := strings.ToLower(detected.IsoCode639_1().String())
	return consequenceFor(choiceRedact, evt, fmt.Sprintf("language %s is not allowed", code)), nil
}
