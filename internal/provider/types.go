package provider

// Response shapes of the CoinGecko v3 REST API. Only the fields the client
// reads are declared.

// usdValue is a per-currency map reduced to USD
type usdValue struct {
	USD *float64 `json:"usd"`
}

type platformDetail struct {
	DecimalPlace    *int   `json:"decimal_place"`
	ContractAddress string `json:"contract_address"`
}

// contractResponse is returned by /coins/{platform}/contract/{address}
type contractResponse struct {
	ID              string                    `json:"id"`
	Symbol          string                    `json:"symbol"`
	Name            string                    `json:"name"`
	DetailPlatforms map[string]platformDetail `json:"detail_platforms"`
	Image           struct {
		Thumb string `json:"thumb"`
		Small string `json:"small"`
		Large string `json:"large"`
	} `json:"image"`
	Description map[string]string `json:"description"`
	MarketData  *struct {
		CurrentPrice             usdValue `json:"current_price"`
		MarketCap                usdValue `json:"market_cap"`
		TotalVolume              usdValue `json:"total_volume"`
		PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

// searchResponse is returned by /search
type searchResponse struct {
	Coins []searchCoin `json:"coins"`
}

type searchCoin struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	MarketCapRank *int   `json:"market_cap_rank"`
	Thumb         string `json:"thumb"`
	Large         string `json:"large"`
}

// marketCoin is an element of /coins/markets
type marketCoin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	Image                    string   `json:"image"`
	CurrentPrice             *float64 `json:"current_price"`
	MarketCap                *float64 `json:"market_cap"`
	TotalVolume              *float64 `json:"total_volume"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
}

// listCoin is an element of /coins/list?include_platform=true
type listCoin struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Name      string            `json:"name"`
	Platforms map[string]string `json:"platforms"`
}

// tokenPriceResponse is returned by /simple/token_price/{platform}
type tokenPriceResponse map[string]usdValue
