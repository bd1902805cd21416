// Package i18n holds the localized copy shown to invitees and printed on
// tickets. Catalogs are YAML files embedded under locales/, one per language;
// keys missing from a translation fall back to English.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// Message keys
const (
	KeyVerifyPrompt         = "verifyPrompt"
	KeyNoToken              = "turnstileNoToken"
	KeyVerificationFailed   = "turnstileVerificationFailed"
	KeyRetryOrContact       = "retryOrContact"
	KeyRSVPStatusError      = "rsvpStatusError"
	KeyLoading              = "loading"
	KeyError                = "error"
	KeyPDFError             = "pdfError"
	KeyGuestNotFound        = "guestNotFound"
	KeyInvitationHeader     = "invitationHeader"
	KeyRequestPresence      = "requestPresence"
	KeyPlusOne              = "plusOne"
	KeyPlusOneSuffix        = "plusOneSuffix"
	KeyRSVPEmail            = "rsvpEmail"
	KeyDressCode            = "dressCode"
	KeyQRCodeNotice         = "qrCodeNotice"
	KeyNoParking            = "noParking"
	KeyNoMinors             = "noMinors"
	KeyRSVPClosedMessage    = "rsvpClosedMessage"
	KeyDeclineMessage       = "declineMessage"
	KeyDeclineChangeOption  = "declineChangeOption"
	KeyAddPlusOnePrompt     = "addPlusOnePrompt"
	KeyPlusOneOption        = "plusOneOption"
	KeyDownloadTicketPrompt = "downloadTicketPrompt"
	KeyPlusOneValidation    = "plusOneValidation"
	KeyPlusOneExists        = "plusOneExists"
	KeyPlusOneNotEligible   = "plusOneNotEligible"
	KeyRSVPClosed           = "rsvpClosed"
	KeyBusy                 = "busy"
	KeyReplyPrompt          = "replyPrompt"
	KeyOpenInvitation       = "openInvitation"
	KeyPlusOneAdded         = "plusOneAdded"
)

// BaseLanguage provides the fallback text for every key
var BaseLanguage = language.English

//go:embed locales/*.yaml
var localesFS embed.FS

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Bundle is a loaded set of catalogs
type Bundle struct {
	tags    []language.Tag
	matcher language.Matcher
	builder *catalog.Builder
	keys    map[string]struct{}
}

var defaultBundle = mustLoad()

func mustLoad() *Bundle {
	b, err := Load(localesFS)
	if err != nil {
		panic(err)
	}
	return b
}

// Default returns the bundle built from the embedded catalogs
func Default() *Bundle {
	return defaultBundle
}

// Load reads every locales/*.yaml file of fsys
func Load(fsys fs.FS) (*Bundle, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogs: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog files found")
	}
	sort.Strings(paths)

	files := make(map[language.Tag]map[string]string, len(paths))
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", p, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse catalog %s: %w", p, err)
		}
		name := strings.TrimSuffix(path.Base(p), path.Ext(p))
		if file.Locale != name {
			return nil, fmt.Errorf("catalog %s: locale %q must match file name", p, file.Locale)
		}
		tag, err := language.Parse(file.Locale)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog %s: %w", p, err)
		}
		files[tag] = file.Messages
	}

	base, ok := files[BaseLanguage]
	if !ok {
		return nil, fmt.Errorf("base language %s is not defined in catalogs", BaseLanguage)
	}

	b := &Bundle{
		builder: catalog.NewBuilder(catalog.Fallback(BaseLanguage)),
		keys:    make(map[string]struct{}, len(base)),
	}
	// base first so the matcher prefers it on ties
	b.tags = append(b.tags, BaseLanguage)
	for tag := range files {
		if tag != BaseLanguage {
			b.tags = append(b.tags, tag)
		}
	}
	sort.Slice(b.tags[1:], func(i, j int) bool { return b.tags[i+1].String() < b.tags[j+1].String() })

	for key := range base {
		b.keys[key] = struct{}{}
	}
	for _, tag := range b.tags {
		messages := files[tag]
		for key, text := range base {
			if translated, ok := messages[key]; ok && translated != "" {
				text = translated
			}
			if err := b.builder.SetString(tag, key, text); err != nil {
				return nil, fmt.Errorf("failed to set catalog %s key %s: %w", tag, key, err)
			}
		}
	}
	b.matcher = language.NewMatcher(b.tags)
	return b, nil
}

// Supported lists the catalog languages, base language first
func (b *Bundle) Supported() []language.Tag {
	out := make([]language.Tag, len(b.tags))
	copy(out, b.tags)
	return out
}

// Match picks the best supported language for the given preferences. Each
// value may be a single tag ("fr") or an Accept-Language header; the first
// value that matches wins.
func (b *Bundle) Match(preferences ...string) language.Tag {
	for _, pref := range preferences {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(pref)
		if err != nil || len(tags) == 0 {
			continue
		}
		_, index, confidence := b.matcher.Match(tags...)
		if confidence != language.No {
			return b.tags[index]
		}
	}
	return BaseLanguage
}

// Printer returns a printer bound to the bundle's catalog
func (b *Bundle) Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag, message.Catalog(b.builder))
}

// Text renders key in tag. Unknown keys are returned unchanged.
func (b *Bundle) Text(tag language.Tag, key string, args ...any) string {
	if _, ok := b.keys[key]; !ok {
		return key
	}
	return b.Printer(tag).Sprintf(key, args...)
}

// Has reports whether key is defined in the base catalog
func (b *Bundle) Has(key string) bool {
	_, ok := b.keys[key]
	return ok
}
