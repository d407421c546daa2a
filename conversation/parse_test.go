package conversation

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"pousada/models"
)

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		panic(err)
	}
	return loc
}()

func testRoomTypes() []models.RoomType {
	return []models.RoomType{
		{ID: uuid.New(), Name: "Suíte"},
		{ID: uuid.New(), Name: "Suíte Master"},
		{ID: uuid.New(), Name: "Chalé Família"},
	}
}

func TestParseDates(t *testing.T) {
	now := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		text     string
		checkin  string
		checkout string
	}{
		{"iso pair", "queria reservar de 2026-03-10 a 2026-03-13", "2026-03-10", "2026-03-13"},
		{"slash pair without year", "de 10/03 a 13/03", "2026-03-10", "2026-03-13"},
		{"slash pair with year", "10/03/2027 ate 13/03/2027", "2027-03-10", "2027-03-13"},
		{"two digit year", "10/03/26 a 13/03/26", "2026-03-10", "2026-03-13"},
		{"past month rolls to next year", "de 05/01 a 08/01", "2027-01-05", "2027-01-08"},
		{"inverted order is normalized", "entre 13/03 e 10/03", "2026-03-10", "2026-03-13"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.text, now, saoPaulo, nil)
			if got.Checkin == nil || got.Checkout == nil {
				t.Fatalf("expected both dates, got %+v", got)
			}
			if models.FormatDate(*got.Checkin) != tc.checkin {
				t.Fatalf("checkin: got %s want %s", models.FormatDate(*got.Checkin), tc.checkin)
			}
			if models.FormatDate(*got.Checkout) != tc.checkout {
				t.Fatalf("checkout: got %s want %s", models.FormatDate(*got.Checkout), tc.checkout)
			}
		})
	}
}

func TestParseRelativeDatesUsePropertyTimezone(t *testing.T) {
	// 01:30 UTC is still the previous day in São Paulo.
	now := time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	got := Parse("quero chegar hoje e sair amanhã", now, saoPaulo, nil)
	if got.Checkin == nil || got.Checkout == nil {
		t.Fatalf("expected both dates, got %+v", got)
	}
	if models.FormatDate(*got.Checkin) != "2026-03-10" {
		t.Fatalf("hoje resolved to %s, want 2026-03-10", models.FormatDate(*got.Checkin))
	}
	if models.FormatDate(*got.Checkout) != "2026-03-11" {
		t.Fatalf("amanhã resolved to %s, want 2026-03-11", models.FormatDate(*got.Checkout))
	}
}

func TestParseSingleDateAndNights(t *testing.T) {
	now := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)
	got := Parse("chegando 10/03, 3 noites", now, saoPaulo, nil)
	if got.Checkin == nil {
		t.Fatalf("expected checkin")
	}
	if got.Checkout != nil {
		t.Fatalf("a single date must not fabricate a checkout")
	}
	if got.Nights == nil || *got.Nights != 3 {
		t.Fatalf("nights: got %+v want 3", got.Nights)
	}
}

func TestParseGuestCounts(t *testing.T) {
	now := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)

	got := Parse("somos 2 adultos e 2 crianças (3 e 7)", now, saoPaulo, nil)
	if got.Adults == nil || *got.Adults != 2 {
		t.Fatalf("adults: got %+v want 2", got.Adults)
	}
	if got.Children == nil || *got.Children != 2 {
		t.Fatalf("children: got %+v want 2", got.Children)
	}
	if len(got.ChildrenAges) != 2 || got.ChildrenAges[0] != 3 || got.ChildrenAges[1] != 7 {
		t.Fatalf("ages: got %v want [3 7]", got.ChildrenAges)
	}

	got = Parse("4 pessoas", now, saoPaulo, nil)
	if got.Adults == nil || *got.Adults != 4 {
		t.Fatalf("pessoas fallback: got %+v want 4", got.Adults)
	}

	got = Parse("sem crianças", now, saoPaulo, nil)
	if got.Children == nil || *got.Children != 0 {
		t.Fatalf("sem crianças: got %+v want 0", got.Children)
	}

	got = Parse("uma menina de 5 anos e um menino de 12 anos", now, saoPaulo, nil)
	if len(got.ChildrenAges) != 2 || got.ChildrenAges[0] != 5 || got.ChildrenAges[1] != 12 {
		t.Fatalf("anos ages: got %v want [5 12]", got.ChildrenAges)
	}
	if got.Children == nil || *got.Children != 2 {
		t.Fatalf("children inferred from ages: got %+v want 2", got.Children)
	}
}

func TestParseRoomTypePrefersLongestName(t *testing.T) {
	now := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)
	roomTypes := testRoomTypes()

	got := Parse("quero a suite master por favor", now, saoPaulo, roomTypes)
	if got.RoomTypeID == nil || *got.RoomTypeID != roomTypes[1].ID {
		t.Fatalf("expected Suíte Master, got %+v", got.RoomTypeID)
	}

	got = Parse("tem chalé família disponível?", now, saoPaulo, roomTypes)
	if got.RoomTypeID == nil || *got.RoomTypeID != roomTypes[2].ID {
		t.Fatalf("expected Chalé Família, got %+v", got.RoomTypeID)
	}

	got = Parse("bom dia, queria um quarto", now, saoPaulo, roomTypes)
	if got.RoomTypeID != nil {
		t.Fatalf("no room type named, got %+v", got.RoomTypeID)
	}
}

func TestParseFullMessage(t *testing.T) {
	now := time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC)
	roomTypes := testRoomTypes()
	got := Parse("Olá! Suíte Master de 10/03 a 13/03, 2 adultos, 1 criança (idade 4)", now, saoPaulo, roomTypes)
	if got.Checkin == nil || got.Checkout == nil || got.RoomTypeID == nil || got.Adults == nil || got.Children == nil {
		t.Fatalf("expected a fully parsed message, got %+v", got)
	}
	if len(got.ChildrenAges) != 1 || got.ChildrenAges[0] != 4 {
		t.Fatalf("ages: got %v want [4]", got.ChildrenAges)
	}
}
