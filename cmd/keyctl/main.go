// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Envelope Key Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(retireCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

// doRequest はAPIリクエストを実行し、成功時のレスポンスボディを返す。
func doRequest(method, requestURL string, body io.Reader, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}

	req, err := http.NewRequest(method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new key",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody, err := json.Marshal(map[string]string{"key_id": keyID})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			body, err := doRequest(http.MethodPost, apiURL+"/v1/keys", bytes.NewReader(reqBody), http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Created key %q (version: %.0f)\n", result["key_id"], result["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (optional, generated if omitted)")
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a key to a new version",
		RunE: func(cmd *cobra.Command, args []string) error {
			requestURL := fmt.Sprintf("%s/v1/keys/%s/rotate", apiURL, url.PathEscape(keyID))
			body, err := doRequest(http.MethodPost, requestURL, nil, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Rotated key %q (new version: %.0f)\n", keyID, result["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// retireCmd は旧バージョン鍵のretireコマンド。
func retireCmd() *cobra.Command {
	var keyID string
	var keyVersion uint
	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Retire a non-current key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			requestURL := fmt.Sprintf("%s/v1/keys/%s/versions/%d/retire", apiURL, url.PathEscape(keyID), keyVersion)
			if _, err := doRequest(http.MethodPost, requestURL, nil, http.StatusAccepted); err != nil {
				return err
			}

			if output == "json" {
				fmt.Println("{}")
			} else {
				fmt.Printf("Retired key %q (version: %d)\n", keyID, keyVersion)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().UintVar(&keyVersion, "version", 0, "Key version (required)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("version")
	return cmd
}

// readData はフラグまたは標準入力からペイロードを読み込む。
func readData(data string) ([]byte, error) {
	if data != "" {
		return []byte(data), nil
	}
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return payload, nil
}

// encryptCmd はエンベロープ暗号化コマンド。
func encryptCmd() *cobra.Command {
	var keyID string
	var data string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt data with the current key version",
		Long:  "Encrypt data with the current key version. Reads from --data or stdin, prints the base64 ciphertext.",
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readData(data)
			if err != nil {
				return err
			}

			reqBody, err := json.Marshal(map[string]string{
				"plaintext": base64.StdEncoding.EncodeToString(plaintext),
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			requestURL := fmt.Sprintf("%s/v1/keys/%s/encrypt", apiURL, url.PathEscape(keyID))
			body, err := doRequest(http.MethodPost, requestURL, bytes.NewReader(reqBody), http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Println(result["ciphertext"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&data, "data", "", "Plaintext to encrypt (optional, defaults to stdin)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// decryptCmd はエンベロープ復号コマンド。
func decryptCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an envelope ciphertext",
		Long:  "Decrypt an envelope ciphertext. Reads the base64 blob from --data or stdin, prints the plaintext.",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := readData(data)
			if err != nil {
				return err
			}

			reqBody, err := json.Marshal(map[string]string{
				"ciphertext": strings.TrimSpace(string(blob)),
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			body, err := doRequest(http.MethodPost, apiURL+"/v1/decrypt", bytes.NewReader(reqBody), http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Plaintext string `json:"plaintext"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				plaintext, err := base64.StdEncoding.DecodeString(result.Plaintext)
				if err != nil {
					return fmt.Errorf("decoding plaintext: %w", err)
				}
				os.Stdout.Write(plaintext)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Base64 ciphertext (optional, defaults to stdin)")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodGet, apiURL+"/v1/keys", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Keys []struct {
						KeyID     string `json:"key_id"`
						Version   uint   `json:"version"`
						Status    string `json:"status"`
						CreatedAt string `json:"created_at"`
					} `json:"keys"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-40s %-10s %-10s %s\n", "KEY_ID", "VERSION", "STATUS", "CREATED_AT")
				for _, k := range result.Keys {
					fmt.Printf("%-40s %-10d %-10s %s\n", k.KeyID, k.Version, k.Status, k.CreatedAt)
				}
			}
			return nil
		},
	}
	return cmd
}

// auditCmd は監査イベントの検索コマンド。
func auditCmd() *cobra.Command {
	var keyID string
	var operation string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if keyID != "" {
				params.Set("key_id", keyID)
			}
			if operation != "" {
				params.Set("operation", operation)
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprintf("%d", limit))
			}

			requestURL := apiURL + "/v1/audit"
			if encoded := params.Encode(); encoded != "" {
				requestURL += "?" + encoded
			}
			body, err := doRequest(http.MethodGet, requestURL, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Events []struct {
						Sequence   uint64 `json:"sequence"`
						Timestamp  string `json:"timestamp"`
						Operation  string `json:"operation"`
						KeyID      string `json:"key_id"`
						KeyVersion uint   `json:"key_version"`
						Outcome    string `json:"outcome"`
						Reason     string `json:"reason"`
					} `json:"events"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-8s %-30s %-12s %-40s %-8s %s\n", "SEQ", "TIMESTAMP", "OPERATION", "KEY_ID", "OUTCOME", "REASON")
				for _, e := range result.Events {
					fmt.Printf("%-8d %-30s %-12s %-40s %-8s %s\n",
						e.Sequence, e.Timestamp, e.Operation, e.KeyID, e.Outcome, e.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Filter by key ID")
	cmd.Flags().StringVar(&operation, "operation", "", "Filter by operation kind (e.g. CREATE_KEY, ENCRYPT)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events to return")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
