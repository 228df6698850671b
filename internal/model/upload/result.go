package upload

// Result is the response body of a successful image upload.
type Result struct {
	URL string `json:"url"`
}
