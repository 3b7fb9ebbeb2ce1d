package command

import "strings"

// aliases maps lower-cased spellings used by controllers onto canonical names.
var aliases = map[string]string{
	"click":                "click_element",
	"clickelement":         "click_element",
	"sendkeys":             "send_keys",
	"type":                 "send_keys",
	"clearelement":         "clear_element",
	"submitform":           "submit_form",
	"submit":               "submit_form",
	"findelement":          "find_element",
	"getelement":           "find_element",
	"get_element":          "find_element",
	"findelementbyxpath":   "find_element_by_xpath",
	"findelementsbyxpath":  "find_elements_by_xpath",
	"iselementdisplayed":   "is_element_displayed",
	"iselementenabled":     "is_element_enabled",
	"iselementselected":    "is_element_selected",
	"getelementattribute":  "get_element_attribute",
	"getelementtext":       "get_element_text",
	"getelementcssvalue":   "get_element_css_value",
	"navigatetourl":        "navigate",
	"open":                 "navigate",
	"goback":               "back",
	"go_back":              "back",
	"goforward":            "forward",
	"go_forward":           "forward",
	"reload":               "refresh",
	"gettitle":             "get_title",
	"title":                "get_title",
	"geturl":               "get_url",
	"url":                  "get_url",
	"getmetadata":          "get_metadata",
	"getallstorage":        "get_all_storage",
	"getcookies":           "get_cookies",
	"clearstorage":         "clear_storage",
	"togglenetworkmonitor": "toggle_network_monitor",
	"listcommands":         "list_commands",
}

// Normalize lower-cases a command name and resolves aliases.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[n]; ok {
		return canonical
	}
	return n
}

// Aliases returns the spellings that normalize to canonical.
func Aliases(canonical string) []string {
	var out []string
	for alias, target := range aliases {
		if target == canonical {
			out = append(out, alias)
		}
	}
	return out
}
