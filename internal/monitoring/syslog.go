// internal/monitoring/syslog.go - Syslog pattern matching and text substitution
package monitoring

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"alertd/internal/config"
	"alertd/internal/database"
)

// Match outcomes, also used as metric labels.
const (
	SyslogMatched   = "matched"
	SyslogExcluded  = "excluded"
	SyslogUnmatched = "unmatched"
)

// SyslogMatch is the alert a syslog line produced. The type is still a
// name; it is resolved against the live type table when the alert is raised.
type SyslogMatch struct {
	TypeName string
	Flags    uint32
	Desc     string
}

type syslogRule struct {
	typeName    string
	level       uint32
	exclude     bool
	autoResolve bool
	locale      string
	re          *regexp.Regexp
	text        string
	// placeholder -> capture index, longest placeholder first
	vars []matchVar
	// vars came from an explicit match map; every one must capture
	explicit bool
}

type matchVar struct {
	placeholder string
	index       int
}

// SyslogMatcher holds the compiled syslog rules in configured order.
type SyslogMatcher struct {
	rules         []*syslogRule
	stopOnExclude bool
}

// NewSyslogMatcher compiles one rule per source. The pattern for locale is
// preferred; the "en" pattern is the fallback. A source where neither
// compiles is left out.
func NewSyslogMatcher(sources []config.SyslogSource, locale, excludePolicy string) *SyslogMatcher {
	m := &SyslogMatcher{
		stopOnExclude: excludePolicy != config.ExcludeContinue,
	}

	for i, src := range sources {
		log := logrus.WithFields(logrus.Fields{
			"index": i,
			"type":  src.Type,
		})

		rule := compileRule(src, locale, log)
		if rule == nil && locale != config.FallbackLocale {
			rule = compileRule(src, config.FallbackLocale, log)
		}
		if rule == nil {
			log.Warn("No usable syslog pattern, rule is inert")
			continue
		}
		m.rules = append(m.rules, rule)
	}

	logrus.WithField("rules", len(m.rules)).Debug("Compiled syslog rules")
	return m
}

func compileRule(src config.SyslogSource, locale string, log *logrus.Entry) *syslogRule {
	lc, ok := src.Locales[locale]
	if !ok || lc.Pattern == "" {
		return nil
	}

	re, err := regexp.Compile(lc.Pattern)
	if err != nil {
		log.WithError(err).WithField("locale", locale).Warn("Invalid syslog pattern")
		return nil
	}

	rule := &syslogRule{
		typeName:    src.Type,
		level:       src.Level,
		exclude:     src.Exclude,
		autoResolve: src.AutoResolve,
		locale:      locale,
		re:          re,
		text:        lc.Text,
	}

	if len(lc.Match) > 0 {
		rule.explicit = true
		for index, name := range lc.Match {
			if index < 0 || index > re.NumSubexp() {
				log.WithField("index", index).Warn("Match index out of range, rule is inert")
				return nil
			}
			rule.vars = append(rule.vars, matchVar{
				placeholder: "$" + strings.TrimPrefix(name, "$"),
				index:       index,
			})
		}
	} else {
		for index, name := range re.SubexpNames() {
			if index == 0 {
				continue
			}
			rule.vars = append(rule.vars, matchVar{placeholder: "$" + strconv.Itoa(index), index: index})
			if name != "" {
				rule.vars = append(rule.vars, matchVar{placeholder: "$" + name, index: index})
			}
		}
	}

	sort.SliceStable(rule.vars, func(i, j int) bool {
		return len(rule.vars[i].placeholder) > len(rule.vars[j].placeholder)
	})
	return rule
}

func (m *SyslogMatcher) Len() int {
	return len(m.rules)
}

// Match runs line through the rules and returns the first alert it
// produces, with the outcome for metrics.
func (m *SyslogMatcher) Match(line string) (*SyslogMatch, string) {
	outcome := SyslogUnmatched

	for _, rule := range m.rules {
		groups := rule.re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}

		if rule.exclude {
			outcome = SyslogExcluded
			if m.stopOnExclude {
				return nil, outcome
			}
			continue
		}

		desc, ok := rule.substitute(groups)
		if !ok || desc == "" {
			continue
		}

		flags := rule.level
		if rule.autoResolve {
			flags |= database.FlagAutoResolve
		}
		return &SyslogMatch{
			TypeName: rule.typeName,
			Flags:    flags,
			Desc:     desc,
		}, SyslogMatched
	}

	return nil, outcome
}

// substitute fills the rule's text from groups. It fails when a capture the
// text needs is empty.
func (r *syslogRule) substitute(groups []string) (string, bool) {
	var pairs []string
	for _, v := range r.vars {
		if !r.explicit && !strings.Contains(r.text, v.placeholder) {
			continue
		}
		if groups[v.index] == "" {
			return "", false
		}
		pairs = append(pairs, v.placeholder, groups[v.index])
	}

	if len(pairs) == 0 {
		return r.text, true
	}
	return strings.NewReplacer(pairs...).Replace(r.text), true
}
