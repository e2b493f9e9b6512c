package calendar

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/care-attendance/attendance"
)

// holidaysFile is the on-disk shape:
//
//	countries:
//	  FR:
//	    - date: "2025-12-26"
//	      name: "Saint-Étienne (Alsace-Moselle)"
//	      recurring: true
type holidaysFile struct {
	Countries map[string][]struct {
		Date      string `yaml:"date"`
		Name      string `yaml:"name"`
		Recurring bool   `yaml:"recurring"`
	} `yaml:"countries"`
}

// LoadYAML adds the holidays listed in r to the registry.
func (r *Registry) LoadYAML(in io.Reader) (int, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return 0, fmt.Errorf("read holidays: %w", err)
	}
	var f holidaysFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse holidays: %w", err)
	}

	var added []PublicHoliday
	for country, entries := range f.Countries {
		for i, e := range entries {
			t, err := time.Parse(attendance.DateLayout, e.Date)
			if err != nil {
				return 0, fmt.Errorf("holidays %s[%d]: invalid date %q", country, i, e.Date)
			}
			added = append(added, PublicHoliday{
				Country:   country,
				Date:      attendance.NewDate(t.Year(), t.Month(), t.Day()),
				Name:      e.Name,
				Recurring: e.Recurring,
			})
		}
	}
	for _, h := range added {
		r.Add(h)
	}
	return len(added), nil
}

// LoadYAMLFile is LoadYAML on a path.
func (r *Registry) LoadYAMLFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.LoadYAML(f)
}
