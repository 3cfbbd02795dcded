package rules

// builtinRule is one shipped detector. Built-ins are plain data; the registry treats them
// like any other rule apart from the BuiltIn flag.
type builtinRule struct {
	category      string
	name          string
	pattern       string
	caseSensitive bool
}

// DefaultCategories returns the shipped categories and their finding policies
func DefaultCategories() []Category {
	return []Category{
		{
			Name:        CategorySecrets,
			DisplayName: "Secrets",
			Policy:      ExactPolicy,
			Mask:        true,
			MinLength:   10,
			Exclude:     []string{"placeholder", "xxxxxxxx", "dummy", "your_api_key", "your-api-key", "<your"},
			BuiltIn:     true,
		},
		{
			Name:        CategoryPaths,
			DisplayName: "Paths/URLs",
			Policy:      FoldPolicy,
			MinLength:   3,
			Exclude: []string{
				"www.w3.org", "schemas.openxmlformats.org", "schemas.microsoft.com",
				"purl.org", "ns.adobe.com", "registry.npmjs.org", "docs.oasis-open.org",
				"example.com", "localhost", "127.0.0.1", "undefined", "${",
			},
			ExcludePatterns: []string{
				`^\$\{|^#|^\?ref=|^\+`,
				`^/[a-zA-Z]$`,
				`^https?://$|_ngcontent`,
				`^/(?:xl|docProps|_rels|META-INF)/`,
			},
			BuiltIn: true,
		},
		{
			Name:        CategoryEmails,
			DisplayName: "Emails",
			Policy:      FoldPolicy,
			MinLength:   6,
			Exclude:     []string{"example", "test", "placeholder", "noreply", "no-reply"},
			ExcludePatterns: []string{
				`(?i)@(?:domain|placeholder|email)\.com$`,
			},
			BuiltIn: true,
		},
		{
			Name:        CategoryFiles,
			DisplayName: "Files",
			Policy:      ExactPolicy,
			MinLength:   3,
			Exclude: []string{
				"package.json", "tsconfig.json", "webpack", "babel", "eslint", "prettier",
				"node_modules", ".min.", "polyfill", "vendor", "chunk", "bundle", ".map",
			},
			ExcludePatterns: []string{
				// locale bundles such as en.json or de-at.json
				`(?i)(?:^|/)[^/]{0,2}\.json$`,
				`(?i)^[a-z]{2}(?:-[a-z]{2})?\.json$`,
				`^(?:xl|docProps|_rels|META-INF|worksheets|theme)/`,
			},
			BuiltIn: true,
		},
	}
}

var builtinRules = []builtinRule{
	// Secrets
	{CategorySecrets, "cloud-access-key", `\b((?:AKIA|ASIA)[0-9A-Z]{16})\b`, true},
	{CategorySecrets, "google-api-key", `\b(AIza[0-9A-Za-z\-_]{35})`, true},
	{CategorySecrets, "google-oauth-token", `\b(ya29\.[0-9A-Za-z\-_]{30,})`, true},
	{CategorySecrets, "stripe-live-key", `\b((?:sk|rk)_live_[0-9a-zA-Z]{24,})`, true},
	{CategorySecrets, "github-token", `\b(gh[pousr]_[0-9a-zA-Z]{36})\b`, true},
	{CategorySecrets, "slack-token", `\b(xox[baprs]-[0-9a-zA-Z\-]{10,48})`, true},
	{CategorySecrets, "slack-webhook", `(https://hooks\.slack\.com/services/T[a-zA-Z0-9_]+/B[a-zA-Z0-9_]+/[a-zA-Z0-9_]+)`, true},
	{CategorySecrets, "jwt", `\b(eyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]+)`, true},
	{CategorySecrets, "private-key", `-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`, true},
	{CategorySecrets, "mongodb-connection-string", `(mongodb(?:\+srv)?://[^\s"'<>]+)`, true},
	{CategorySecrets, "postgres-connection-string", `(postgres(?:ql)?://[^\s"'<>]+)`, true},
	{CategorySecrets, "mysql-connection-string", `(mysql://[a-zA-Z0-9._%+\-]+:[^\s:@]+@[^\s"'<>]+)`, true},
	{CategorySecrets, "algolia-api-key", `(?i)algolia.{0,32}\b([a-z0-9]{32})\b`, true},
	{CategorySecrets, "cloudflare-api-token", `(?i)cloudflare.{0,32}(?:secret|private|access|key|token).{0,32}\b([a-z0-9_\-]{38,42})\b`, true},
	{CategorySecrets, "facebook-access-token", `\b(EAACEdEose0cBA[0-9A-Za-z]{20,})\b`, true},
	{CategorySecrets, "openai-api-key", `\b(sk-[a-zA-Z0-9]{20}T3BlbkFJ[a-zA-Z0-9]{20})\b`, true},
	{CategorySecrets, "square-oauth-secret", `\b(sq0csp-[0-9A-Za-z\-_]{43})`, true},
	{CategorySecrets, "square-access-token", `\b(sqOatp-[0-9A-Za-z\-_]{22})`, true},
	{CategorySecrets, "twilio-api-key", `\b(SK[0-9a-fA-F]{32})\b`, true},
	{CategorySecrets, "sendgrid-api-key", `\b(SG\.[\w\-]{16,32}\.[\w\-]{16,64})`, true},
	{CategorySecrets, "mailgun-api-key", `\b(key-[0-9a-zA-Z]{32})\b`, true},

	// Paths/URLs. Cloud storage comes first so it names findings that the generic URL rule also sees.
	{CategoryPaths, "cloud-storage-url", `(https?://(?:[a-zA-Z0-9.\-]+\.s3[a-zA-Z0-9.\-]*\.amazonaws\.com|[a-zA-Z0-9\-]+\.blob\.core\.windows\.net|storage\.googleapis\.com)[^\s"'<>]*)`, true},
	{CategoryPaths, "http-url", `["'](https?://[^\s"'<>]{10,})["']`, true},
	{CategoryPaths, "websocket-url", `["'](wss?://[^\s"'<>]{10,})["']`, true},
	{CategoryPaths, "api-path", `["'](/api/(?:v?\d+/)?[a-zA-Z0-9/_\-]{2,})["']`, false},
	{CategoryPaths, "versioned-path", `["'](/v\d+/[a-zA-Z0-9/_\-]{2,})["']`, false},
	{CategoryPaths, "rest-path", `["'](/rest/[a-zA-Z0-9/_\-]{2,})["']`, false},
	{CategoryPaths, "graphql-path", `["'](/graphql[a-zA-Z0-9/_\-]*)["']`, false},
	{CategoryPaths, "auth-path", `["'](/(?:oauth\d*|auth|login|logout|token|idp)[a-zA-Z0-9/_\-]*)["']`, false},
	{CategoryPaths, "admin-path", `["'](/(?:admin|dashboard|internal|debug|config|backup|private|upload|download)[a-zA-Z0-9/_\-]*)["']`, false},
	{CategoryPaths, "well-known-path", `["'](/\.well-known/[a-zA-Z0-9/_\-]+)["']`, false},

	// Emails
	{CategoryEmails, "email-address", `([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,6})\b`, true},

	// Files
	{CategoryFiles, "file-reference", `["']([a-zA-Z0-9_/.\-]+\.(?:sql|csv|xlsx|xls|json|xml|yaml|yml|txt|log|conf|config|cfg|ini|env|bak|backup|old|orig|copy|key|pem|crt|cer|p12|pfx|doc|docx|pdf|zip|tar|gz|rar|7z|sh|bat|ps1|py|rb|pl))["']`, false},
}
