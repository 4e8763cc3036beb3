package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"time"
)

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any, auth bool, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
		bodyStr = string(payload)
		bodyReader = bytes.NewReader(payload)
	}

	endpoint := path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	urlStr := c.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	if auth {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		strToSign := timestamp + method + endpoint + bodyStr

		req.Header.Set("KC-API-KEY", c.apiKey)
		req.Header.Set("KC-API-SIGN", sign(c.secret, strToSign))
		req.Header.Set("KC-API-TIMESTAMP", timestamp)
		req.Header.Set("KC-API-PASSPHRASE", sign(c.secret, c.passphrase))
		req.Header.Set("KC-API-KEY-VERSION", "2")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Endpoint: path, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Msg: "Не удалось прочитать ответ: " + err.Error()}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Body: truncate(string(data), 300), Msg: "Не удалось разобрать ответ."}
	}

	// Код приложения главнее HTTP-статуса: бывает HTTP 200 с телом ошибки.
	if code, msg, ok := extractCode(out); ok && code != codeOK {
		return &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Code: code, Msg: msg, Body: truncate(string(data), 300)}
	}

	if resp.StatusCode >= 400 {
		return &APIError{Endpoint: path, HTTPStatus: resp.StatusCode, Body: truncate(string(data), 300), Msg: resp.Status}
	}

	return nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func extractCode(v any) (string, string, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return "", "", false
	}
	codeField := rv.FieldByName("Code")
	msgField := rv.FieldByName("Msg")
	if codeField.IsValid() && msgField.IsValid() {
		return codeField.String(), msgField.String(), true
	}
	return "", "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
