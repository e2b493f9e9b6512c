package calendar

import (
	"time"

	"github.com/warp/care-attendance/attendance"
)

type rule func(year int) []PublicHoliday

var builtinRules = map[string]rule{
	"FR": france,
	"BE": belgium,
	"LU": luxembourg,
	"DE": germany,
}

// Easter returns Easter Sunday of the Gregorian year (anonymous algorithm).
func Easter(year int) attendance.Date {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return attendance.NewDate(year, time.Month(month), day)
}

func fixed(year int, month time.Month, day int, name string) PublicHoliday {
	return PublicHoliday{Date: attendance.NewDate(year, month, day), Name: name, Recurring: true}
}

func fromEaster(year, offset int, name string) PublicHoliday {
	return PublicHoliday{Date: Easter(year).AddDays(offset), Name: name}
}

func france(year int) []PublicHoliday {
	return []PublicHoliday{
		fixed(year, time.January, 1, "Jour de l'an"),
		fromEaster(year, 1, "Lundi de Pâques"),
		fixed(year, time.May, 1, "Fête du Travail"),
		fixed(year, time.May, 8, "Victoire 1945"),
		fromEaster(year, 39, "Ascension"),
		fromEaster(year, 50, "Lundi de Pentecôte"),
		fixed(year, time.July, 14, "Fête nationale"),
		fixed(year, time.August, 15, "Assomption"),
		fixed(year, time.November, 1, "Toussaint"),
		fixed(year, time.November, 11, "Armistice 1918"),
		fixed(year, time.December, 25, "Noël"),
	}
}

func belgium(year int) []PublicHoliday {
	return []PublicHoliday{
		fixed(year, time.January, 1, "Nouvel an"),
		fromEaster(year, 1, "Lundi de Pâques"),
		fixed(year, time.May, 1, "Fête du Travail"),
		fromEaster(year, 39, "Ascension"),
		fromEaster(year, 50, "Lundi de Pentecôte"),
		fixed(year, time.July, 21, "Fête nationale"),
		fixed(year, time.August, 15, "Assomption"),
		fixed(year, time.November, 1, "Toussaint"),
		fixed(year, time.November, 11, "Armistice"),
		fixed(year, time.December, 25, "Noël"),
	}
}

func luxembourg(year int) []PublicHoliday {
	out := []PublicHoliday{
		fixed(year, time.January, 1, "Nouvel an"),
		fromEaster(year, 1, "Lundi de Pâques"),
		fixed(year, time.May, 1, "Fête du Travail"),
		fromEaster(year, 39, "Ascension"),
		fromEaster(year, 50, "Lundi de Pentecôte"),
		fixed(year, time.June, 23, "Fête nationale"),
		fixed(year, time.August, 15, "Assomption"),
		fixed(year, time.November, 1, "Toussaint"),
		fixed(year, time.December, 25, "Noël"),
		fixed(year, time.December, 26, "Saint-Étienne"),
	}
	if year >= 2019 {
		out = append(out, fixed(year, time.May, 9, "Journée de l'Europe"))
	}
	return out
}

func germany(year int) []PublicHoliday {
	return []PublicHoliday{
		fixed(year, time.January, 1, "Neujahr"),
		fromEaster(year, -2, "Karfreitag"),
		fromEaster(year, 1, "Ostermontag"),
		fixed(year, time.May, 1, "Tag der Arbeit"),
		fromEaster(year, 39, "Christi Himmelfahrt"),
		fromEaster(year, 50, "Pfingstmontag"),
		fixed(year, time.October, 3, "Tag der Deutschen Einheit"),
		fixed(year, time.December, 25, "1. Weihnachtstag"),
		fixed(year, time.December, 26, "2. Weihnachtstag"),
	}
}
