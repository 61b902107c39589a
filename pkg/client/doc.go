/*
Package client provides a Go client library for the broker's HTTP API.

It wraps the JSON endpoints with typed methods, rebuilds kind-tagged
errors from error responses so callers can branch with errdef, and keeps
connection handling inside a single http.Client.

# Usage

Executing code:

	c := client.New("http://127.0.0.1:50081")
	resp, err := c.Execute(ctx, api.ExecuteRequest{
		SourceCode: "print('Hello, World!')",
		ChatID:     "session-1",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(resp.Stdout)

Working with files:

	up, err := c.Upload(ctx, "session-1", "data.csv", f)
	// later, by content hash:
	rc, err := c.Download(ctx, "session-1", "data.csv", up.FileHash)

Custom tools:

	parsed, err := c.ParseCustomTool(ctx, toolSource)
	out, err := c.ExecuteCustomTool(ctx, api.ExecuteCustomToolRequest{
		ToolSourceCode: toolSource,
		ToolInputJSON:  `{"name": "world"}`,
	})

# Error Handling

Non-200 responses carrying the standard error body are converted back
into errdef errors:

	_, err := c.Download(ctx, chatID, filename, hash)
	if errdef.Is(err, errdef.KindQuotaExhausted) {
		// downloads spent
	}

Responses with other bodies surface as plain errors with the HTTP
status included.
*/
package client
