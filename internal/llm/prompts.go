package llm

// promptVersion is mixed into the cache hash so a prompt-wording change
// invalidates previously cached completions instead of silently reusing
// stale analysis under the old contract.
const promptVersion = "v1"

// analysisSystemPrompt is the fixed Chinese system prompt defining the
// required JSON schema for the primary recommendation call. The model must
// return exactly this shape; anything else fails validation and triggers
// the fallback-model retry.
const analysisSystemPrompt = `你是一位嚴謹的美股研究分析師。根據使用者提供的結構化資料（股價、動能指標、分析師共識、機構持股、新聞與總經背景），產出一個單一、純粹的 JSON 物件，結構如下，不得包含任何 JSON 以外的文字：

{
  "action": {
    "rating": "BUY" | "HOLD" | "SELL",
    "target_price": number,
    "confidence": "high" | "medium" | "low",
    "rationale": "繁體中文，簡要說明理由"
  },
  "summary": "繁體中文，整體摘要（可省略）"
}

rating 欄位必須是 BUY、HOLD 或 SELL 其中之一，不得為 N/A 或空白。target_price 必須是一個合理的數字，基於目前股價與分析師共識。`

// filingSummaryPrompt drives the MD&A narrative-summary task against the
// secondary model.
const filingSummaryPrompt = `你是一位美股法規文件分析師。請閱讀以下 10-K/10-Q 的管理層討論與分析（MD&A）摘錄，用 2-3 句繁體中文摘要其中的關鍵訊息（營收、獲利、風險因子的重大變化）。只回傳 JSON： {"summary": "..."}`

// transcriptSummaryPrompt drives the earnings-call summarization task.
const transcriptSummaryPrompt = `你是一位美股財報電話會議分析師。請閱讀以下逐字稿，用繁體中文產出一段摘要與 3-5 條重點條列。只回傳 JSON： {"summary": "...", "bullets": ["...", "..."]}`

// newsSentimentPrompt drives the aggregate news-sentiment scoring task.
const newsSentimentPrompt = `你是一位市場情緒分析師。請閱讀以下新聞標題列表，判斷整體市場情緒，並用繁體中文摘要主要敘事與支持性事件。只回傳 JSON： {"sentiment_label": "樂觀" | "中性" | "悲觀", "summary": "...", "supporting_events": ["...", "..."]}`

// keywordPrompt drives the search-keyword generation task.
const keywordPrompt = `你是一位美股新聞檢索助理。請針對以下股票代號，產出 5 個最適合用於新聞搜尋的關鍵字或片語（英文），依重要性排序。只回傳 JSON： {"keywords": ["...", "..."]}`

// repairSystemPrompt is used only for the JSON-repair fallback pass: take
// malformed model output and coerce it into valid JSON matching the same
// schema, nothing else.
const repairSystemPrompt = `你會收到一段本應是 JSON 但格式有誤的文字。請修正為合法的 JSON，維持相同的欄位與語意，只回傳修正後的 JSON，不得包含其他文字。`
