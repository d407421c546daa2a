package conversation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pousada/models"
)

// Entities is what one guest message yielded. Values are raw parser
// output; range filtering happens at merge time so a nonsense count
// simply re-prompts instead of poisoning the context.
type Entities struct {
	Checkin      *time.Time
	Checkout     *time.Time
	Nights       *int
	RoomTypeID   *uuid.UUID
	Adults       *int
	Children     *int
	ChildrenAges []int
}

var (
	isoDatePattern    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDatePattern  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)
	nightsPattern     = regexp.MustCompile(`\b(\d{1,2})\s*noites?\b`)
	adultsPattern     = regexp.MustCompile(`\b(\d{1,2})\s*adultos?\b`)
	peoplePattern     = regexp.MustCompile(`\b(\d{1,2})\s*pessoas?\b`)
	childrenPattern   = regexp.MustCompile(`\b(\d{1,2})\s*criancas?\b`)
	childParenPattern = regexp.MustCompile(`criancas?\s*\(([^)]+)\)`)
	agesListPattern   = regexp.MustCompile(`idades?\s*(?:de\s*)?([\d ,e]+)`)
	yearsOldPattern   = regexp.MustCompile(`\b(\d{1,2})\s*anos?\b`)
	noChildrenPattern = regexp.MustCompile(`\b(?:sem|nenhuma?)\s+(?:criancas?|filhos?)\b`)
	numberListSplit   = regexp.MustCompile(`[\s,e]+`)
)

var diacriticFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c",
)

func fold(s string) string {
	return diacriticFolder.Replace(strings.ToLower(s))
}

// Parse extracts booking entities from one pt-BR guest message. Dates
// resolve against the property timezone; dd/mm without a year picks the
// next occurrence.
func Parse(text string, now time.Time, loc *time.Location, roomTypes []models.RoomType) Entities {
	folded := fold(text)
	var e Entities

	dates := collectDates(folded, now, loc)
	if len(dates) >= 1 {
		checkin := dates[0]
		e.Checkin = &checkin
	}
	if len(dates) >= 2 {
		checkin, checkout := dates[0], dates[1]
		if checkout.Before(checkin) {
			checkin, checkout = checkout, checkin
		}
		e.Checkin = &checkin
		e.Checkout = &checkout
	}

	if m := nightsPattern.FindStringSubmatch(folded); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			e.Nights = &n
		}
	}

	if m := adultsPattern.FindStringSubmatch(folded); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Adults = &n
		}
	} else if m := peoplePattern.FindStringSubmatch(folded); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Adults = &n
		}
	}

	if noChildrenPattern.MatchString(folded) {
		zero := 0
		e.Children = &zero
	} else if m := childrenPattern.FindStringSubmatch(folded); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Children = &n
		}
	}
	e.ChildrenAges = collectAges(folded)
	if e.Children == nil && len(e.ChildrenAges) > 0 {
		n := len(e.ChildrenAges)
		e.Children = &n
	}

	e.RoomTypeID = matchRoomType(folded, roomTypes)
	return e
}

type dateHit struct {
	at   int
	date time.Time
}

func collectDates(folded string, now time.Time, loc *time.Location) []time.Time {
	today := models.DateOnly(now.In(loc))
	var hits []dateHit

	for _, m := range isoDatePattern.FindAllStringSubmatchIndex(folded, -1) {
		parsed, err := models.ParseDate(folded[m[0]:m[1]])
		if err == nil {
			hits = append(hits, dateHit{at: m[0], date: parsed})
		}
	}
	for _, m := range slashDatePattern.FindAllStringSubmatchIndex(folded, -1) {
		day, _ := strconv.Atoi(folded[m[2]:m[3]])
		month, _ := strconv.Atoi(folded[m[4]:m[5]])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		year := 0
		if m[6] >= 0 {
			year, _ = strconv.Atoi(folded[m[6]:m[7]])
			if year < 100 {
				year += 2000
			}
		}
		var date time.Time
		if year > 0 {
			date = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		} else {
			date = time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
			if date.Before(today) {
				date = date.AddDate(1, 0, 0)
			}
		}
		hits = append(hits, dateHit{at: m[0], date: date})
	}
	if at := strings.Index(folded, "hoje"); at >= 0 {
		hits = append(hits, dateHit{at: at, date: today})
	}
	if at := strings.Index(folded, "amanha"); at >= 0 {
		hits = append(hits, dateHit{at: at, date: today.AddDate(0, 0, 1)})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	var out []time.Time
	for _, h := range hits {
		duplicate := false
		for _, seen := range out {
			if seen.Equal(h.date) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, h.date)
		}
		if len(out) == 2 {
			break
		}
	}
	return out
}

func collectAges(folded string) []int {
	var raw string
	if m := childParenPattern.FindStringSubmatch(folded); m != nil {
		raw = m[1]
	} else if m := agesListPattern.FindStringSubmatch(folded); m != nil {
		raw = m[1]
	}
	var ages []int
	if raw != "" {
		for _, tok := range numberListSplit.Split(strings.TrimSpace(raw), -1) {
			if tok == "" {
				continue
			}
			if n, err := strconv.Atoi(tok); err == nil {
				ages = append(ages, n)
			}
		}
		return ages
	}
	for _, m := range yearsOldPattern.FindAllStringSubmatch(folded, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n <= 17 {
			ages = append(ages, n)
		}
	}
	return ages
}

// matchRoomType looks for a room type name inside the message, longest
// name first so "suite master" never resolves to a plain "suite".
func matchRoomType(folded string, roomTypes []models.RoomType) *uuid.UUID {
	sorted := make([]models.RoomType, len(roomTypes))
	copy(sorted, roomTypes)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Name) > len(sorted[j].Name) })
	for _, rt := range sorted {
		name := fold(rt.Name)
		if name != "" && strings.Contains(folded, name) {
			id := rt.ID
			return &id
		}
	}
	return nil
}
