package parser

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"RiskEngine/internal/catalog"
	"RiskEngine/internal/domain"
)

// HTMLListing reads catalogs served as CDN directory index pages, where each
// available day or hour is a link.
type HTMLListing struct{}

var _ catalog.Parser = HTMLListing{}

// Name identifies the strategy inside the registry.
func (HTMLListing) Name() string {
	return "html"
}

// ParseDays extracts every link whose last path segment is a YYYY-MM-DD date.
func (HTMLListing) ParseDays(body []byte) ([]domain.Date, error) {
	entries, err := listingEntries(body)
	if err != nil {
		return nil, err
	}

	seen := map[domain.Date]struct{}{}
	days := make([]domain.Date, 0, len(entries))
	for _, entry := range entries {
		day, err := domain.ParseDate(entry)
		if err != nil {
			continue
		}
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// ParseHours extracts every link whose last path segment is an hour 0-23.
func (HTMLListing) ParseHours(body []byte) ([]int, error) {
	entries, err := listingEntries(body)
	if err != nil {
		return nil, err
	}

	seen := map[int]struct{}{}
	hours := make([]int, 0, len(entries))
	for _, entry := range entries {
		hour, err := strconv.Atoi(entry)
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		if _, ok := seen[hour]; ok {
			continue
		}
		seen[hour] = struct{}{}
		hours = append(hours, hour)
	}

	sort.Ints(hours)
	return hours, nil
}

func listingEntries(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var entries []string
	doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		href = strings.TrimSpace(href)
		if i := strings.IndexAny(href, "?#"); i >= 0 {
			href = href[:i]
		}
		href = strings.TrimSuffix(href, "/")
		if href == "" || href == ".." || href == "." {
			return
		}
		entries = append(entries, path.Base(href))
	})
	return entries, nil
}
