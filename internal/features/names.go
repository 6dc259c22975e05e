package features

// Count is the length of every feature vector
const Count = 86

// Positions of the network-derived features
const (
	IdxCTFlag       = 79
	IdxWhoisAgeDays = 80
	IdxDOMForms     = 81
	IdxDOMPassword  = 82
	IdxDOMExtRatio  = 83
	IdxDOMIframes   = 84
	IdxCTFlagDup    = 85

	// URLFeatureCount is the number of heuristics computed from the URL alone
	URLFeatureCount = 79
)

// Names lists every feature in model order
var Names = [Count]string{
	"query_param_count",
	"domain_token_count",
	"path_token_count",
	"avg_domain_token_len",
	"longest_domain_token_len",
	"avg_path_token_len",
	"tld_len",
	"vowel_count",
	"consonant_count",
	"longest_digit_run_url",
	"longest_digit_run_host",
	"longest_digit_run_path",
	"longest_digit_run_file",
	"longest_digit_run_query",
	"digit_count_url",
	"digit_count_host",
	"digit_count_path",
	"digit_count_file",
	"digit_count_query",
	"url_len",
	"host_len",
	"path_len",
	"dir_len",
	"file_len",
	"ext_len",
	"query_len",
	"path_url_ratio",
	"query_url_ratio",
	"query_host_ratio",
	"host_url_ratio",
	"path_host_ratio",
	"query_path_ratio",
	"executable_ext",
	"port_80_in_host",
	"dot_count_url",
	"host_is_ip",
	"longest_char_repeat_ratio",
	"longest_query_value_len",
	"digits_url",
	"digits_host",
	"digits_path",
	"digits_file",
	"digits_ext",
	"digits_query",
	"letters_url",
	"letters_host",
	"letters_path",
	"letters_file",
	"letters_ext",
	"letters_query",
	"longest_path_token_len",
	"longest_host_token_len",
	"longest_dir_token_len",
	"longest_file_token_len",
	"longest_query_token_len",
	"sensitive_word",
	"distinct_query_keys",
	"special_char_count",
	"host_dot_count",
	"path_slash_count",
	"delimiter_count",
	"digit_rate_url",
	"digit_rate_host",
	"digit_rate_path",
	"digit_rate_file",
	"digit_rate_ext",
	"digit_rate_query",
	"symbols_url",
	"symbols_host",
	"symbols_path",
	"symbols_file",
	"symbols_ext",
	"symbols_query",
	"entropy_url",
	"entropy_host",
	"entropy_path",
	"entropy_file",
	"entropy_ext",
	"entropy_query",
	"ct_flag",
	"whois_age_days",
	"dom_forms",
	"dom_has_password",
	"dom_ext_int_ratio",
	"dom_iframes",
	"ct_flag_dup",
}

// Index returns the position of a named feature, or -1
func Index(name string) int {
	for i, n := range Names {
		if n == name {
			return i
		}
	}
	return -1
}
