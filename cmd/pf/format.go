package main

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatMoney renders an amount in minor units with the currency's standard
// number of decimals, e.g. 4500000 JPY -> "JPY 4,500,000" and 12550 USD ->
// "USD 125.50". Unknown codes are printed as plain minor units.
func formatMoney(minor int64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return printer.Sprintf("%d", minor)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return printer.Sprintf("%s %d", code, minor)
	}
	scale, _ := currency.Standard.Rounding(unit)
	if scale == 0 {
		return printer.Sprintf("%s %d", code, minor)
	}
	pow := int64(1)
	for i := 0; i < scale; i++ {
		pow *= 10
	}
	whole, frac, sign := minor/pow, minor%pow, ""
	if minor < 0 {
		whole, frac, sign = -whole, -frac, "-"
	}
	return printer.Sprintf("%s %s%d.%s", code, sign, whole, fmt.Sprintf("%0*d", scale, frac))
}

func check(b bool) string {
	if b {
		return "✔"
	}
	return ""
}
